package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/kb"
	"github.com/signalsfoundry/aqmap/model"
)

// Stream operations.
const (
	OpUpsert = "upsert"
	OpRemove = "remove"
)

// StreamMessage is one frame on the live feed.
type StreamMessage struct {
	Op      string   `json:"op"`
	Records []Record `json:"records"`
}

const (
	minBackoff = time.Second
	maxBackoff = 60 * time.Second
)

// Stream keeps the layer stores current from a websocket feed of sensor
// updates. Upserts replace entities in place, removals evict them.
type Stream struct {
	url    string
	stores *kb.LayerSet
	log    logging.Logger
	dialer *websocket.Dialer
	header http.Header

	minBackoff time.Duration
}

// NewStream builds a stream reading from url.
func NewStream(url string, stores *kb.LayerSet, log logging.Logger) *Stream {
	if log == nil {
		log = logging.Noop()
	}
	return &Stream{
		url:        url,
		stores:     stores,
		log:        log,
		dialer:     websocket.DefaultDialer,
		header:     http.Header{"User-Agent": []string{"aqmap"}},
		minBackoff: minBackoff,
	}
}

// Run connects and consumes frames until ctx is done, reconnecting with
// exponential backoff capped at one minute. It returns ctx.Err().
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		s.log.Info(ctx, "connecting to stream", logging.String("url", s.url))
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn(ctx, "stream dial failed", logging.Err(err), logging.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = s.minBackoff

		err = s.consume(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn(ctx, "stream read failed; reconnecting", logging.Err(err))
	}
}

func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn(ctx, "dropping malformed stream frame", logging.Err(err))
			continue
		}
		if err := s.Apply(ctx, msg); err != nil {
			s.log.Warn(ctx, "stream frame partially applied", logging.Err(err))
		}
	}
}

// Apply folds one frame into the stores.
func (s *Stream) Apply(ctx context.Context, msg StreamMessage) error {
	switch msg.Op {
	case OpUpsert:
		entities, err := Entities(msg.Records)
		for l, n := range s.stores.Replace(entities) {
			s.log.Debug(ctx, "stream upsert",
				logging.String("layer", l.String()),
				logging.Int("added", n.Added),
				logging.Int("updated", n.Updated))
		}
		return err
	case OpRemove:
		var keys []model.Key
		var errs []error
		for _, r := range msg.Records {
			kind, ok := model.ParseKind(r.Kind)
			_, known := model.LayerForKind(kind)
			if !ok || !known || r.ID == "" {
				errs = append(errs, fmt.Errorf("%w: cannot remove %q of kind %q", ErrBadRecord, r.ID, r.Kind))
				continue
			}
			keys = append(keys, model.Key{Kind: kind, ID: r.ID})
		}
		s.stores.Evict(keys...)
		return errors.Join(errs...)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadRecord, msg.Op)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
