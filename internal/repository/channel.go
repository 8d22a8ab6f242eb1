package repository

import (
	"encoding/json"
	"errors"
	"sync"

	"geochat_backend/pkg/logger"
	"geochat_backend/pkg/monitoring"

	"go.uber.org/zap"
)

var ErrChannelClosed = errors.New("change channel closed")

// decodeChange parses a feed payload. Undecodable payloads are counted and
// logged, then skipped.
func decodeChange(source, table, payload string) (Change, bool) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		monitoring.ChangeEvents.WithLabelValues(source+":"+table, "unknown", "decode_error").Inc()
		logger.Named("feed").Warn("undecodable change payload",
			zap.String("source", source),
			zap.String("table", table),
			zap.Int("bytes", len(payload)),
			zap.Error(err),
		)
		return Change{}, false
	}
	return change, true
}

// CloseReason reports why ch stopped delivering events: the error it
// published, or ErrChannelClosed when it ended without one.
func CloseReason(ch Channel) error {
	select {
	case err := <-ch.Errors():
		if err != nil {
			return err
		}
	default:
	}
	return ErrChannelClosed
}

// MergeChannels fans several channels into one. The first failure of any
// member is reported on Errors; Close closes every member.
func MergeChannels(chans ...Channel) Channel {
	m := &mergedChannel{
		chans:  chans,
		events: make(chan Change, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	m.wg.Add(len(chans))
	for _, ch := range chans {
		go m.forward(ch)
	}
	go func() {
		m.wg.Wait()
		close(m.events)
	}()
	return m
}

type mergedChannel struct {
	chans  []Channel
	events chan Change
	errs   chan error
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func (m *mergedChannel) forward(ch Channel) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-ch.Events():
			if !ok {
				m.fail(CloseReason(ch))
				return
			}
			select {
			case m.events <- ev:
			case <-m.done:
				return
			}
		case err := <-ch.Errors():
			m.fail(err)
			return
		}
	}
}

func (m *mergedChannel) fail(err error) {
	select {
	case <-m.done:
	case m.errs <- err:
	default:
	}
}

func (m *mergedChannel) Events() <-chan Change { return m.events }

func (m *mergedChannel) Errors() <-chan error { return m.errs }

func (m *mergedChannel) Close() error {
	var errs []error
	m.once.Do(func() {
		close(m.done)
		for _, ch := range m.chans {
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
