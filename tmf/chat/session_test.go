package chat

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/config"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/guard"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/inference"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roles(turns []conversation.Turn) []conversation.Role {
	out := make([]conversation.Role, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession(testPolicy(t), newStubBackend(), testOptions())
	assert.Equal(t, Idle, s.State())
	assert.NotEmpty(t, s.ID())
	assert.Nil(t, s.Transcript())

	_, err := s.Submit(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrSessionNotStarted)

	require.NoError(t, s.Start())
	assert.Equal(t, AwaitingInput, s.State())
	require.NoError(t, s.Start(), "start is idempotent")
	assert.Equal(t, []conversation.Role{conversation.RoleSystem}, roles(s.Transcript()))

	s.Close()
	assert.Equal(t, Terminated, s.State())
	_, err = s.Submit(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Start(), ErrSessionClosed)
	assert.ErrorIs(t, s.Reset(), ErrSessionClosed)
}

func TestSession_SubmitSuccess(t *testing.T) {
	backend := newStubBackend(stubReply{text: "  A Roth IRA is a retirement account funded with after-tax money.\n"})
	s := newStartedSession(t, backend, testOptions())

	result, err := s.Submit(context.Background(), "  What is a Roth IRA?  ", nil)
	require.NoError(t, err)

	assert.Equal(t, "A Roth IRA is a retirement account funded with after-tax money.", result.Text)
	assert.Empty(t, result.Suffix)
	assert.False(t, result.Streamed)
	assert.Equal(t, 15, result.Usage.Total())
	assert.Equal(t, AwaitingInput, s.State())

	req := backend.request(0)
	assert.Equal(t, "qwen2.5:7b-instruct", req.Model)
	assert.Equal(t, 512, req.Options.MaxTokens)
	assert.False(t, req.Stream)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, conversation.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, conversation.User("What is a Roth IRA?"), req.Messages[1])

	transcript := s.Transcript()
	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant}, roles(transcript))
	assert.Equal(t, result.Text, transcript[2].Content)
}

func TestSession_AnnotatesInvestmentAnswers(t *testing.T) {
	backend := newStubBackend(stubReply{text: "Index funds spread money across many stocks."})
	s := newStartedSession(t, backend, testOptions())

	result, err := s.Submit(context.Background(), "What is an index fund?", nil)
	require.NoError(t, err)

	disclaimer := config.Defaults().Guard.Disclaimer
	assert.True(t, strings.HasSuffix(result.Text, disclaimer))
	assert.Equal(t, "\n\n"+disclaimer, result.Suffix)
	assert.Equal(t, result.Text, s.Transcript()[2].Content)
}

func TestSession_RejectedInputNeverReachesBackend(t *testing.T) {
	backend := newStubBackend(stubReply{text: "A Roth IRA is a retirement account."})
	s := newStartedSession(t, backend, testOptions())

	_, err := s.Submit(context.Background(), "Buy 100 shares of XYZ now", nil)
	require.Error(t, err)
	assert.True(t, guard.IsRejected(err))
	assert.Zero(t, backend.calls())
	assert.Contains(t, s.Refusal(err), "personalized trading instruction")

	// the rejected turn stays visible until the next question replaces it
	transcript := s.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "Buy 100 shares of XYZ now", transcript[1].Content)

	_, err = s.Submit(context.Background(), "What is a Roth IRA?", nil)
	require.NoError(t, err)
	req := backend.request(0)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "What is a Roth IRA?", req.Messages[1].Content)
}

func TestSession_EmptyInputIsNotRecorded(t *testing.T) {
	backend := newStubBackend()
	s := newStartedSession(t, backend, testOptions())

	_, err := s.Submit(context.Background(), "   ", nil)
	var rejected *guard.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, guard.ReasonEmptyInput, rejected.Reason)
	assert.Len(t, s.Transcript(), 1)
	assert.Zero(t, backend.calls())
}

func TestSession_BackendFailureRecordsNoAnswer(t *testing.T) {
	unavailable := fmt.Errorf("%w: connection refused", inference.ErrBackendUnavailable)
	backend := newStubBackend(stubReply{err: unavailable}, stubReply{text: "Saving means setting money aside."})
	s := newStartedSession(t, backend, testOptions())

	_, err := s.Submit(context.Background(), "What is saving?", nil)
	assert.ErrorIs(t, err, inference.ErrBackendUnavailable)
	assert.Equal(t, AwaitingInput, s.State())
	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser}, roles(s.Transcript()))

	result, err := s.Submit(context.Background(), "What is saving?", nil)
	require.NoError(t, err)
	assert.Equal(t, "Saving means setting money aside.", result.Text)

	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant}, roles(s.Transcript()))
	assert.Len(t, backend.request(1).Messages, 2, "failed question is not resent twice")
}

func TestSession_EmptyReplyIsProtocolError(t *testing.T) {
	s := newStartedSession(t, newStubBackend(stubReply{text: " \n "}), testOptions())

	_, err := s.Submit(context.Background(), "What is a budget?", nil)
	assert.ErrorIs(t, err, inference.ErrBackendProtocol)
	assert.Len(t, s.Transcript(), 2)
}

func TestSession_EvictsOldestPairs(t *testing.T) {
	backend := newStubBackend()
	opts := testOptions()
	opts.MaxTurns = 2
	s := newStartedSession(t, backend, opts)

	for i := 1; i <= 3; i++ {
		result, err := s.Submit(context.Background(), fmt.Sprintf("question %d", i), nil)
		require.NoError(t, err)
		if i > 1 {
			assert.Equal(t, 2, result.Evicted)
		}
	}

	for i := 0; i < backend.calls(); i++ {
		msgs := backend.request(i).Messages
		assert.LessOrEqual(t, len(msgs)-1, 2)
		assert.Equal(t, conversation.RoleSystem, msgs[0].Role)
		assert.Equal(t, fmt.Sprintf("question %d", i+1), msgs[len(msgs)-1].Content)
	}
	assert.Len(t, s.Transcript(), 3)
}

func TestSession_Reset(t *testing.T) {
	s := newStartedSession(t, newStubBackend(), testOptions())
	_, err := s.Submit(context.Background(), "What is a budget?", nil)
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	assert.Equal(t, []conversation.Role{conversation.RoleSystem}, roles(s.Transcript()))
}

func TestSession_TranscriptReadableDuringTurn(t *testing.T) {
	backend := newStubBackend()
	backend.blockFirst = true
	s := newStartedSession(t, backend, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, "What is a budget?", nil)
		errc <- err
	}()

	select {
	case <-backend.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backend was not called")
	}
	assert.Equal(t, Processing, s.State())
	assert.Len(t, s.Transcript(), 2)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Len(t, s.Transcript(), 2, "cancelled turn records no answer")
}

func TestSession_StreamsChunksToWriter(t *testing.T) {
	srv := ollamaStream(t, []string{"Compound ", "interest ", "grows."}, true)
	opts := testOptions()
	opts.Stream = true
	s := newStartedSession(t, ollamaClient(srv.URL), opts)

	var out bytes.Buffer
	result, err := s.Submit(context.Background(), "What is compound interest?", &out)
	require.NoError(t, err)

	assert.True(t, result.Streamed)
	assert.Equal(t, "Compound interest grows.", out.String())
	assert.Equal(t, "Compound interest grows.", result.Text)
	assert.Equal(t, inference.Usage{PromptTokens: 12, CompletionTokens: 4}, result.Usage)
	assert.Equal(t, result.Text, s.Transcript()[2].Content)
}

func TestSession_PartialStreamIsNotRecorded(t *testing.T) {
	srv := ollamaStream(t, []string{"Compound ", "interest"}, false)
	opts := testOptions()
	opts.Stream = true
	s := newStartedSession(t, ollamaClient(srv.URL), opts)

	var out bytes.Buffer
	_, err := s.Submit(context.Background(), "What is compound interest?", &out)

	var streamErr *inference.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "Compound interest", streamErr.Partial)
	assert.Equal(t, "Compound interest", out.String(), "partial text was shown")
	assert.Equal(t, []conversation.Role{conversation.RoleSystem, conversation.RoleUser}, roles(s.Transcript()))
}
