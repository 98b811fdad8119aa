package httputil

import (
	"fmt"
	"io"
	"net"

	"github.com/gorilla/handlers"
)

// WriteLog writes request and response parameters using format that
// works well with logging.Logger.
func WriteLog(writer io.Writer, params handlers.LogFormatterParams) {
	host, _, err := net.SplitHostPort(params.Request.RemoteAddr)
	if err != nil {
		host = params.Request.RemoteAddr
	}

	_, err = fmt.Fprintf(
		writer, "%s - \"%s %s %s\" %d %d\n",
		host, params.Request.Method, params.URL.String(), params.Request.Proto, params.StatusCode, params.Size,
	)
	if err != nil {
		log.WithError(err).Warn("Failed to write log")
	}
}
