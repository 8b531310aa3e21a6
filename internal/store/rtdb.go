package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RTDBStore streams a Firebase Realtime Database over its REST streaming
// API (server-sent events). Every put or patch is applied to a local copy
// of the subscribed subtree and the whole subtree is delivered.
type RTDBStore struct {
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration
	log        *slog.Logger
}

// NewRTDBStore targets a database URL such as https://<db>.firebaseio.com.
func NewRTDBStore(baseURL string, log *slog.Logger) *RTDBStore {
	if log == nil {
		log = slog.Default()
	}
	return &RTDBStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		retryDelay: 3 * time.Second,
		log:        log,
	}
}

// SetRetryDelay changes the pause before reconnecting a dropped stream.
func (s *RTDBStore) SetRetryDelay(d time.Duration) { s.retryDelay = d }

// rtdbEvent is the data payload of put and patch events.
type rtdbEvent struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

var errStreamCancelled = errors.New("rtdb: stream cancelled by server")

func (s *RTDBStore) Subscribe(ctx context.Context, path string, onValue func([]byte), onError func(error)) (Unsubscribe, error) {
	if _, err := url.Parse(s.baseURL); err != nil || s.baseURL == "" {
		return nil, fmt.Errorf("rtdb: invalid database url %q", s.baseURL)
	}
	path = CleanPath(path)
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			err := s.stream(sctx, path, onValue)
			if sctx.Err() != nil {
				return
			}
			if err != nil && onError != nil {
				onError(err)
			}
			s.log.Warn("rtdb stream ended", slog.String("path", path), slog.Any("error", err))
			select {
			case <-sctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (s *RTDBStore) stream(ctx context.Context, path string, onValue func([]byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+path+".json", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rtdb connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rtdb http status: %d", resp.StatusCode)
	}

	var tree any
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				next, emit, err := applyRTDBEvent(tree, event, data.String())
				if err != nil {
					return err
				}
				if emit {
					tree = next
					raw, err := json.Marshal(tree)
					if err != nil {
						return err
					}
					onValue(raw)
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rtdb read: %w", err)
	}
	return errors.New("rtdb: stream closed")
}

// applyRTDBEvent returns the updated tree and whether it should be emitted.
func applyRTDBEvent(tree any, event, data string) (any, bool, error) {
	switch event {
	case "keep-alive":
		return tree, false, nil
	case "cancel":
		return tree, false, fmt.Errorf("%w: %s", errStreamCancelled, data)
	case "auth_revoked":
		return tree, false, fmt.Errorf("rtdb: auth revoked: %s", data)
	case "put", "patch":
	default:
		return tree, false, nil
	}

	var ev rtdbEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return tree, false, fmt.Errorf("rtdb %s payload: %w", event, err)
	}
	var value any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &value); err != nil {
			return tree, false, fmt.Errorf("rtdb %s data: %w", event, err)
		}
	}
	segs := SplitPath(ev.Path)
	if event == "put" {
		return setIn(tree, segs, value), true, nil
	}
	children, _ := value.(map[string]any)
	for k, v := range children {
		tree = setIn(tree, append(append([]string{}, segs...), SplitPath(k)...), v)
	}
	return tree, true, nil
}

// setIn stores value at segs below tree; nil deletes.
func setIn(tree any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		if value == nil {
			return tree
		}
		obj = map[string]any{}
	}
	child := setIn(obj[segs[0]], segs[1:], value)
	if child == nil {
		delete(obj, segs[0])
	} else {
		obj[segs[0]] = child
	}
	if len(obj) == 0 {
		return nil
	}
	return obj
}
