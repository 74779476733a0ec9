// Package controller implements the relay HTTP surface: chat dispatch with
// candidate failover and the asynchronous video task endpoints.
package controller

import (
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/crypto"
	"github.com/aetherlab/aether/common/ctxkey"
)

var (
	credentialCipher crypto.Cipher = crypto.Plaintext{}
	upstreamClient                 = &http.Client{}
)

// Setup wires the credential cipher and upstream HTTP client. Called once
// from main before the router starts serving.
func Setup(cipher crypto.Cipher) {
	if cipher != nil {
		credentialCipher = cipher
	}
	timeout := time.Duration(config.RelayTimeout) * time.Second
	upstreamClient = &http.Client{Timeout: timeout}
}

// getRequestBody returns the raw request body, cached on the context so
// per-candidate conversion can re-read it.
func getRequestBody(c *gin.Context) ([]byte, error) {
	if cached, ok := c.Get(ctxkey.KeyRequestBody); ok {
		if body, ok := cached.([]byte); ok {
			return body, nil
		}
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	_ = c.Request.Body.Close()
	c.Set(ctxkey.KeyRequestBody, body)
	return body, nil
}
