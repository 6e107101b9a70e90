package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EducatedBernie/Converge/internal/event"
)

var fastBackoff = Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) add(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

func writeFrame(w http.ResponseWriter, id, data string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not finish")
	}
}

func TestConnect_MalformedFrameBetweenGoodFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/simulation/7/stream", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		sseHeaders(w)
		writeFrame(w, "", `{"type":"user_event","user_number":1,"step":1,"persona":"casual","converted":false}`)
		writeFrame(w, "", `{"type":"user_event","user_number":`)
		writeFrame(w, "", `{"type":"user_event","user_number":2,"step":1,"persona":"anxious","converted":true}`)
		writeFrame(w, "", `{"type":"sim_ended","run_id":7,"total_users":2}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.Connect(context.Background(), "7", rec.add)
	waitDone(t, c)

	assert.NoError(t, c.Err())
	assert.Equal(t, []event.Kind{event.KindUserEvent, event.KindUserEvent, event.KindSimEnded}, rec.kinds())
	assert.Equal(t, int64(3), c.Delivered())
	assert.Equal(t, int64(1), c.Dropped())
}

func TestConnectFrames_PassesPayloadAsReceived(t *testing.T) {
	frames := []string{
		`{"type":"user_event","user_number":1,"step":1,"persona":"casual","variant_id":0,"match_score":0,"converted":false}`,
		`{"type":"sim_ended","run_id":7,"total_users":1}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		for _, f := range frames {
			writeFrame(w, "", f)
		}
	}))
	defer srv.Close()

	var (
		mu   sync.Mutex
		got  []string
		kind []event.Kind
	)
	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.ConnectFrames(context.Background(), "7", func(ev event.Event, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(data))
		kind = append(kind, ev.Kind())
	})
	waitDone(t, c)

	require.NoError(t, c.Err())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, frames, got)
	assert.Equal(t, []event.Kind{event.KindUserEvent, event.KindSimEnded}, kind)
}

func TestConnect_SimEndedDoesNotCloseConnection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "", `{"type":"sim_ended","total_users":0}`)
		select {
		case <-release:
			writeFrame(w, "", `{"type":"status","message":"after end"}`)
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.Connect(context.Background(), "1", rec.add)

	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, 5*time.Second, time.Millisecond)
	select {
	case <-c.Done():
		t.Fatal("sim_ended must not close the connection")
	default:
	}

	close(release)
	waitDone(t, c)
	assert.Equal(t, []event.Kind{event.KindSimEnded, event.KindStatus}, rec.kinds())
	assert.NoError(t, c.Err())
}

func TestConnect_ReconnectsWithLastEventID(t *testing.T) {
	var requests atomic.Int32
	var secondLastID atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch requests.Add(1) {
		case 1:
			sseHeaders(w)
			writeFrame(w, "u1", `{"type":"user_event","user_number":1,"step":1,"persona":"casual","converted":false}`)
			// Stream drops before sim_ended.
		default:
			secondLastID.Store(r.Header.Get("Last-Event-ID"))
			sseHeaders(w)
			writeFrame(w, "end", `{"type":"sim_ended","total_users":1}`)
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.Connect(context.Background(), "3", rec.add)
	waitDone(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, "u1", secondLastID.Load())
	assert.Equal(t, []event.Kind{event.KindUserEvent, event.KindSimEnded}, rec.kinds())
}

func TestConnect_NonRetryableStatusIsTerminal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "no such run", http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.Connect(context.Background(), "404", func(event.Event) {})
	waitDone(t, c)

	err := c.Err()
	require.Error(t, err)
	assert.True(t, IsTerminal(err))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ErrCodeStatus, te.Code)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.Equal(t, int32(1), requests.Load())
}

func TestConnect_WrongContentTypeIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"Run not active"}`))
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.Connect(context.Background(), "1", func(event.Event) {})
	waitDone(t, c)

	var te *TransportError
	require.True(t, errors.As(c.Err(), &te))
	assert.Equal(t, ErrCodeContentType, te.Code)
}

func TestConnect_AttemptsExhausted(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.Connect(context.Background(), "1", func(event.Event) {})
	waitDone(t, c)

	var te *TransportError
	require.True(t, errors.As(c.Err(), &te))
	assert.Equal(t, ErrCodeExhausted, te.Code)
	assert.True(t, te.Terminal)
	assert.Equal(t, int32(fastBackoff.MaxAttempts+1), requests.Load())
}

func holdingServer(t *testing.T, connected chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "", `{"type":"status","message":"hello"}`)
		connected <- r.URL.Path
		<-r.Context().Done()
	}))
}

func TestConnect_SameRunReplacesPriorConnection(t *testing.T) {
	connected := make(chan string, 4)
	srv := holdingServer(t, connected)
	defer srv.Close()

	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	first := a.Connect(context.Background(), "5", func(event.Event) {})
	<-connected

	second := a.Connect(context.Background(), "5", func(event.Event) {})
	defer second.Close()

	select {
	case <-first.Done():
	default:
		t.Fatal("prior connection must be closed before Connect returns")
	}
	assert.NoError(t, first.Err())
	<-connected

	select {
	case <-second.Done():
		t.Fatal("new connection should stay open")
	default:
	}
}

func TestConnect_DifferentRunsCoexist(t *testing.T) {
	connected := make(chan string, 4)
	srv := holdingServer(t, connected)
	defer srv.Close()

	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	one := a.Connect(context.Background(), "1", func(event.Event) {})
	defer one.Close()
	two := a.Connect(context.Background(), "2", func(event.Event) {})
	defer two.Close()

	<-connected
	<-connected
	select {
	case <-one.Done():
		t.Fatal("connection for another run must not be closed")
	default:
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	connected := make(chan string, 1)
	srv := holdingServer(t, connected)
	defer srv.Close()

	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.Connect(context.Background(), "1", func(event.Event) {})
	<-connected

	c.Close()
	c.Close()
	assert.NoError(t, c.Err())
}

func TestConnect_ContextCancelIsTerminal(t *testing.T) {
	connected := make(chan string, 1)
	srv := holdingServer(t, connected)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	a := NewAdapter(srv.URL, WithHTTPClient(srv.Client()), WithBackoff(fastBackoff))
	c := a.Connect(ctx, "1", func(event.Event) {})
	<-connected

	cancel()
	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), context.Canceled)
}

func TestBackoff_Defaults(t *testing.T) {
	b := Backoff{}.withDefaults()
	assert.Equal(t, DefaultBackoff, b)

	b = Backoff{Min: 10 * time.Second}.withDefaults()
	assert.Equal(t, 10*time.Second, b.Max)
}
