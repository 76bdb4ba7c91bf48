package transport

import "github.com/gin-gonic/gin"

// Meta is the pagination block every success response carries.
type Meta struct {
	Total       int  `json:"total"`
	Limit       int  `json:"limit"`
	Page        int  `json:"page"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// Envelope wraps every response body.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
	Meta    *Meta       `json:"meta,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details string      `json:"details,omitempty"`
}

func singleMeta() *Meta {
	return &Meta{Total: 1, Limit: 1, Page: 1, TotalPages: 1}
}

func respond(c *gin.Context, status int, data interface{}, message string) {
	c.JSON(status, Envelope{
		Success: true,
		Data:    data,
		Message: message,
		Meta:    singleMeta(),
	})
}

func (s *Server) fail(c *gin.Context, operation string, err error) {
	status, stdErr := s.errors.Handle(operation, err)
	c.AbortWithStatusJSON(status, Envelope{
		Success: false,
		Message: stdErr.Message,
		Error:   string(stdErr.Code),
		Details: stdErr.Details,
	})
}
