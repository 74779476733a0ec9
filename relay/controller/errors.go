package controller

import (
	"github.com/gin-gonic/gin"

	"github.com/aetherlab/aether/relay/apiformat"
	"github.com/aetherlab/aether/relay/relayerr"
)

// statusText maps HTTP statuses to the Google RPC status names Gemini
// clients expect.
var statusText = map[int]string{
	400: "INVALID_ARGUMENT",
	401: "UNAUTHENTICATED",
	403: "PERMISSION_DENIED",
	404: "NOT_FOUND",
	409: "ALREADY_EXISTS",
	410: "FAILED_PRECONDITION",
	422: "FAILED_PRECONDITION",
	429: "RESOURCE_EXHAUSTED",
	499: "CANCELLED",
	500: "INTERNAL",
	502: "UNAVAILABLE",
	503: "UNAVAILABLE",
	504: "DEADLINE_EXCEEDED",
}

// writeError renders status and message in the client family's native error
// envelope. Messages are sanitized before leaving the gateway.
func writeError(c *gin.Context, family apiformat.Family, status int, errType, message string) {
	message = apiformat.SanitizeErrorMessage(message)
	switch family {
	case apiformat.FamilyClaude:
		c.JSON(status, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    errType,
				"message": message,
			},
		})
	case apiformat.FamilyGemini:
		rpcStatus, ok := statusText[status]
		if !ok {
			rpcStatus = "UNKNOWN"
		}
		c.JSON(status, gin.H{
			"error": gin.H{
				"code":    status,
				"message": message,
				"status":  rpcStatus,
			},
		})
	default:
		c.JSON(status, gin.H{
			"error": gin.H{
				"message": message,
				"type":    errType,
				"code":    status,
			},
		})
	}
}

// writeRelayError maps a classified relay error onto the client envelope.
func writeRelayError(c *gin.Context, family apiformat.Family, err *relayerr.Error) {
	status := err.StatusCode
	if status == 0 {
		status = 502
	}
	errType := string(err.Kind)
	if err.Status != "" {
		errType = err.Status
	}
	writeError(c, family, status, errType, err.Message)
}
