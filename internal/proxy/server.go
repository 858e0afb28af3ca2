// Package proxy implements the anti-truncation reverse proxy for the Gemini
// generation API: request rewriting, the streaming retry engine, and the
// non-streaming adapter.
package proxy

import (
	"io"
	"net/http"
	"strings"

	app_errors "github.com/coulsontl/gemini-antiblock/internal/errors"
	"github.com/coulsontl/gemini-antiblock/internal/httpclient"
	"github.com/coulsontl/gemini-antiblock/internal/protocol"
	"github.com/coulsontl/gemini-antiblock/internal/response"
	"github.com/coulsontl/gemini-antiblock/internal/rewrite"
	"github.com/coulsontl/gemini-antiblock/internal/types"
	"github.com/coulsontl/gemini-antiblock/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxUpstreamErrorBodySize caps error-body reads to keep a hostile upstream
// from exhausting memory.
const maxUpstreamErrorBodySize = 64 * 1024

// ProxyServer represents the proxy server.
type ProxyServer struct {
	configManager types.ConfigManager
	clientManager *httpclient.Manager
}

// NewProxyServer creates a new proxy server.
func NewProxyServer(configManager types.ConfigManager, clientManager *httpclient.Manager) *ProxyServer {
	return &ProxyServer{
		configManager: configManager,
		clientManager: clientManager,
	}
}

// HandleProxy is the entry point for all proxied requests. Generate calls for
// protocol models go through the sentinel engine; everything else is relayed
// untouched.
func (ps *ProxyServer) HandleProxy(c *gin.Context) {
	requestID := uuid.NewString()[:8]
	log := logrus.WithField("request_id", requestID)

	path := c.Request.URL.Path

	// Read the request body through the buffer pool. The bytes stay valid for
	// the whole handler: every engine path below runs synchronously and the
	// buffer is only returned to the pool when HandleProxy exits.
	buf := utils.GetBuffer()
	defer utils.PutBuffer(buf)

	if _, err := buf.ReadFrom(c.Request.Body); err != nil {
		log.Errorf("Failed to read request body: %v", err)
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "Failed to read request body"))
		return
	}
	c.Request.Body.Close()
	bodyBytes := buf.Bytes()

	engineEligible := c.Request.Method == http.MethodPost &&
		protocol.IsGeneratePath(path) &&
		protocol.IsProtocolModel(path) &&
		!rewrite.IsStructuredOutput(bodyBytes)

	if !engineEligible {
		log.WithFields(logrus.Fields{
			"path":   path,
			"method": c.Request.Method,
		}).Debug("Request bypasses sentinel engine")
		ps.relayPassthrough(c, log, bodyBytes)
		return
	}

	body, err := rewrite.DecodeBody(bodyBytes)
	if err != nil {
		log.Warnf("Invalid JSON request body: %v", err)
		response.Error(c, app_errors.ErrInvalidJSON)
		return
	}

	if protocol.IsStreamPath(path) {
		ps.handleStreaming(c, log, body, bodyBytes)
	} else {
		ps.handleNonStreaming(c, log, body, bodyBytes)
	}
}

// upstreamURL joins the configured base with the client's path and query.
func (ps *ProxyServer) upstreamURL(c *gin.Context) string {
	base := ps.configManager.GetUpstreamConfig().URLBase
	u := base + c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		u += "?" + raw
	}
	return u
}

// relayPassthrough forwards a request to the upstream verbatim and streams
// the response back without interpretation.
func (ps *ProxyServer) relayPassthrough(c *gin.Context, log *logrus.Entry, bodyBytes []byte) {
	req, err := rewrite.BuildUpstreamRequest(c.Request.Context(), ps.upstreamURL(c), c.Request.Header, bodyBytes)
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInternalServer, err.Error()))
		return
	}
	req.Method = c.Request.Method

	resp, err := ps.clientManager.StreamClient().Do(req)
	if err != nil {
		log.Errorf("Passthrough request failed: %v", err)
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadGateway, err.Error()))
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			c.Header(key, value)
		}
	}
	c.Status(resp.StatusCode)

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 4*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				log.Debugf("Client write failed during passthrough: %v", writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Debugf("Upstream read failed during passthrough: %v", err)
			return
		}
	}
}

// statusClass is the retry class of an upstream HTTP error.
type statusClass int

const (
	statusClassFatal statusClass = iota
	statusClassRetryable
	statusClassNonRetryable
)

// classifyStatus maps an upstream status and parsed error body onto a retry
// class. The fatal set is empty unless configured; a 400 naming a transient
// key or region problem is promoted into the retryable class.
func (ps *ProxyServer) classifyStatus(statusCode int, parsedError string) statusClass {
	for _, fatal := range ps.configManager.GetRetryConfig().FatalStatusCodes {
		if statusCode == fatal {
			return statusClassFatal
		}
	}
	if protocol.RetryableStatusCodes[statusCode] {
		return statusClassRetryable
	}
	if statusCode == http.StatusBadRequest {
		lower := strings.ToLower(parsedError)
		for _, marker := range protocol.EffectivelyRetryable400Markers {
			if strings.Contains(lower, marker) {
				return statusClassRetryable
			}
		}
	}
	return statusClassNonRetryable
}

// isHardQuotaExhausted reports whether a 429 body carries a daily-quota
// marker, where backing off inside the request cannot help.
func isHardQuotaExhausted(body string) bool {
	for _, marker := range protocol.HardQuotaMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// readErrorBody reads and decompresses a bounded slice of an upstream error
// response.
func readErrorBody(resp *http.Response) []byte {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBodySize))
	if err != nil {
		logrus.Errorf("Failed to read upstream error body: %v", err)
		return []byte("Failed to read error body")
	}
	return utils.DecompressResponse(resp.Header.Get("Content-Encoding"), body)
}

// isCherryClient detects clients that render thought parts literally;
// heartbeats sent to them must never carry the thought flag.
func isCherryClient(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("User-Agent"), protocol.CherryClientMarker)
}
