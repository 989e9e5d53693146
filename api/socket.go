package api

import (
	"encoding/json"
	"sync"

	"fileconv/progress"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// handleSocket speaks the subscribe/unsubscribe protocol on /ws. A client
// may follow several jobs at once; each terminal event ends that job's
// subscription on its own.
func (s *Server) handleSocket(conn *websocket.Conn) {
	out := make(chan any, 32)
	done := make(chan struct{})

	var mu sync.Mutex
	subs := make(map[string]*progress.Subscription)

	var wg sync.WaitGroup
	defer func() {
		mu.Lock()
		for _, sub := range subs {
			sub.Close()
		}
		mu.Unlock()
		close(done)
		wg.Wait()
		_ = conn.Close()
	}()

	// Single writer: the connection does not allow concurrent writes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case msg := <-out:
				if err := conn.WriteJSON(msg); err != nil {
					s.log.Debug("WebSocket write failed", zap.Error(err))
					return
				}
			}
		}
	}()

	send := func(msg any) {
		select {
		case out <- msg:
		case <-done:
		}
	}

	forward := func(sub *progress.Subscription) {
		defer wg.Done()
		for ev := range sub.C {
			send(ev)
		}
		mu.Lock()
		if subs[sub.JobID] == sub {
			delete(subs, sub.JobID)
		}
		mu.Unlock()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.JobID == "" {
			send(progress.Event{Type: progress.TypeError, Message: "expected {\"type\":\"subscribe\",\"jobId\":\"...\"}"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			mu.Lock()
			if _, ok := subs[msg.JobID]; ok {
				mu.Unlock()
				continue
			}
			sub := s.progress.Subscribe(msg.JobID)
			subs[msg.JobID] = sub
			mu.Unlock()
			wg.Add(1)
			go forward(sub)
		case "unsubscribe":
			mu.Lock()
			sub, ok := subs[msg.JobID]
			delete(subs, msg.JobID)
			mu.Unlock()
			if ok {
				sub.Close()
			}
		default:
			send(progress.Event{Type: progress.TypeError, JobID: msg.JobID, Message: "unknown message type " + msg.Type})
		}
	}
}
