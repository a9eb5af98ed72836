package response

import "github.com/gin-gonic/gin"

const (
	CodeOK                 = 0
	CodeBadRequest         = 40000
	CodeUnsupportedFile    = 40003
	CodeUnauthorized       = 40100
	CodeTopicNotFound      = 40400
	CodeSessionNotFound    = 40401
	CodeInternalServer     = 50000
	CodeAnswerUnavailable  = 50301
	CodeExtractionFailed   = 50302
	CodeDependencyDegraded = 50300
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
