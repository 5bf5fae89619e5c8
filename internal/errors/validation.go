package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithValidation sends a 422 Unprocessable Entity response and aborts the request.
func AbortWithValidation(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, NewAPIError(message, details))
}

// Validation sends a 422 Unprocessable Entity response without aborting.
func Validation(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusUnprocessableEntity, NewAPIError(message, details))
}
