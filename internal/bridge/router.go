package bridge

import (
	"errors"

	"tabbridge/internal/logging"
	"tabbridge/internal/metrics"
	"tabbridge/internal/protocol"
)

// Router classifies peer frames and settles the calls they answer.
type Router struct {
	logger  *logging.Logger
	metrics *metrics.Registry
}

func NewRouter(logger *logging.Logger, registryMetrics *metrics.Registry) *Router {
	if logger == nil {
		logger = logging.Discard()
	}
	if registryMetrics == nil {
		registryMetrics = metrics.Default
	}
	return &Router{logger: logger, metrics: registryMetrics}
}

// Route handles one text frame from session. Nothing it receives is ever
// reported back to the peer: bad frames are logged and dropped.
func (r *Router) Route(session *Session, data []byte) {
	message, err := protocol.DecodeInbound(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownMessage) {
			reason = "unknown"
		}
		r.metrics.IncInboundDropped(reason)
		r.logger.Debug("dropping peer message", map[string]string{
			logging.FieldPeerID: session.ID(),
			"reason":            reason,
			"error":             err.Error(),
		})
		return
	}

	switch msg := message.(type) {
	case protocol.LogRecord:
		r.routeLog(session, msg)
	case protocol.CallResult:
		r.routeResult(session, msg)
	}
}

func (r *Router) routeLog(session *Session, record protocol.LogRecord) {
	if session.logLimiter != nil && !session.logLimiter.Allow() {
		r.metrics.IncPeerLogDropped()
		return
	}
	r.logger.Info(record.Message, map[string]string{
		logging.FieldCategory: "peer_log",
		logging.FieldSource:   "peer",
		logging.FieldPeerID:   session.ID(),
	})
}

func (r *Router) routeResult(session *Session, result protocol.CallResult) {
	var settled bool
	if result.Failed {
		settled = session.calls.fail(result.ID, &PeerError{PeerID: session.ID(), Message: result.ErrorText})
	} else {
		settled = session.calls.resolve(result.ID, result.Result, nil)
	}
	if settled {
		return
	}
	r.metrics.IncInboundDropped("unmatched")
	r.logger.Debug("dropping unmatched call result", map[string]string{
		logging.FieldPeerID: session.ID(),
		logging.FieldCallID: result.ID,
	})
}
