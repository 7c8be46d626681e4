package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/anymesh/pkg/common/protocol"
)

func serviceRequest(path string) *protocol.Message {
	return &protocol.Message{
		Kind:        protocol.ServiceRequest,
		NodeInfo:    &protocol.NodeInfo{NodeID: "N1"},
		RequestInfo: &protocol.RequestInfo{Method: "GET", URL: path, Path: path},
	}
}

// nextQueued decodes the next frame waiting on s's transmit queue
func nextQueued(t *testing.T, s *Session) *protocol.Message {
	t.Helper()
	require.True(t, s.Queue().Wait(time.Second), "nothing was enqueued")
	item := s.Queue().Dequeue()
	require.NotNil(t, item)
	msg, err := protocol.Decode(item.Payload)
	require.NoError(t, err)
	return msg
}

func TestSessionCallResolve(t *testing.T) {
	s := NewSession("N1")

	go func() {
		req := nextQueued(t, s)
		assert.True(t, s.Resolve(protocol.NewResponse(req, 200, []byte(`{"ok":true}`))))
	}()

	resp, err := s.Call(context.Background(), serviceRequest("/status"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.ServiceResponse, resp.Kind)
	assert.Equal(t, 200, resp.ResponseInfo.Code)
	assert.Equal(t, `{"ok":true}`, resp.ResponseInfo.Data)
	assert.Equal(t, 0, s.Pending())

	info := s.Info()
	assert.Equal(t, 200, info.LastCode)
	assert.False(t, info.LastResponseAt.IsZero())
}

func TestSessionEmptyBodyIsValid(t *testing.T) {
	s := NewSession("N1")

	go func() {
		req := nextQueued(t, s)
		s.Resolve(protocol.NewResponse(req, 200, nil))
	}()

	resp, err := s.Call(context.Background(), serviceRequest("/empty"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.ResponseInfo.Code)
	assert.Empty(t, resp.ResponseInfo.Data)
}

func TestSessionLateResponseIsDropped(t *testing.T) {
	s := NewSession("N1")

	_, err := s.Call(context.Background(), serviceRequest("/slow"), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, s.Pending(), "timed out entry must be released")

	late := nextQueued(t, s)

	// A second caller is now waiting; the late answer to the first must not reach it
	result := make(chan *protocol.Message, 1)
	go func() {
		resp, err := s.Call(context.Background(), serviceRequest("/fast"), time.Second)
		if err == nil {
			result <- resp
		}
		close(result)
	}()
	second := nextQueued(t, s)
	require.NotEqual(t, late.Seq, second.Seq)

	assert.False(t, s.Resolve(protocol.NewResponse(late, 500, []byte("late"))))
	assert.True(t, s.Resolve(protocol.NewResponse(second, 200, []byte("fast"))))

	resp := <-result
	require.NotNil(t, resp)
	assert.Equal(t, "fast", resp.ResponseInfo.Data)
}

func TestSessionCloseWakesCaller(t *testing.T) {
	s := NewSession("N1")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), serviceRequest("/status"), time.Minute)
		errCh <- err
	}()
	nextQueued(t, s)

	start := time.Now()
	s.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("caller was not woken by close")
	}

	assert.Equal(t, StateClosed, s.State())
	_, err := s.Call(context.Background(), serviceRequest("/status"), time.Second)
	assert.ErrorIs(t, err, ErrSessionClosing)
	assert.ErrorIs(t, s.Send(protocol.NewResponse(serviceRequestWithSeq(1), 200, nil)), ErrConnectionClosed)
}

func TestSessionCloseFailsQueuedItems(t *testing.T) {
	s := NewSession("N1")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), serviceRequest("/queued"), time.Minute)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return s.Queue().Len() == 1 }, time.Second, time.Millisecond)
	s.Close()

	err := <-errCh
	assert.True(t, errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrQueueClosed), "got %v", err)
}

func TestSessionPostHookFailsCallFast(t *testing.T) {
	s := NewSession("N1")

	go func() {
		require.True(t, s.Queue().Wait(time.Second))
		item := s.Queue().Dequeue()
		item.PostHook(errors.New("write: broken pipe"))
	}()

	start := time.Now()
	_, err := s.Call(context.Background(), serviceRequest("/status"), time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Less(t, time.Since(start), time.Second)
}

func TestSessionCallContextCancel(t *testing.T) {
	s := NewSession("N1")
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		nextQueued(t, s)
		cancel()
	}()

	_, err := s.Call(ctx, serviceRequest("/status"), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Pending())
}

func TestSessionCallRejectsInvalidRequest(t *testing.T) {
	s := NewSession("N1")
	_, err := s.Call(context.Background(), &protocol.Message{Kind: protocol.ServiceRequest}, time.Second)
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	assert.Equal(t, 0, s.Queue().Len())
}

func TestSessionAttachAfterClose(t *testing.T) {
	s := NewSession("N1")
	s.Close()

	conn := newFakeConn("N1")
	s.Attach(conn)
	assert.True(t, conn.closed(), "a socket attached to a closed session is closed")
}

func serviceRequestWithSeq(seq uint64) *protocol.Message {
	m := serviceRequest("/")
	m.Seq = seq
	return m
}
