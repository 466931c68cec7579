package server

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/parley-ai/parley/internal/chat"
)

// handleWS serves GET /v1/chat/ws. The client sends one chat request as a
// JSON text message and receives one JSON text message per stream event; the
// connection closes normally after the done event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	accountID, authenticated := s.auth.Identify(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var req chat.Request
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid chat request")
		return
	}
	req.AccountID = accountID
	req.Authenticated = authenticated

	for ev := range s.orch.Stream(ctx, &req) {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			s.log.Debug("websocket write failed, client likely gone", "err", err)
			return
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}
