package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/curalog/diarystore/pkg/event"
)

func TestHTTPRemoteSubmit(t *testing.T) {
	var gotAuth string
	var gotBody submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/events:submit", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		acks := make([]Ack, len(gotBody.Events))
		for i, ev := range gotBody.Events {
			acks[i] = Ack{EventID: ev.EventID, Code: CodeOK}
		}
		_ = json.NewEncoder(w).Encode(ackResponse{Acks: acks})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, NewStaticTokenProvider("opaque-token"), nil)
	batch := []*event.DomainEvent{{
		EventID:    "e1",
		DeviceID:   "dev-1",
		UserID:     "user-1",
		AuthorID:   "dev-1",
		Sequence:   1,
		Type:       event.TypeRecordStarted,
		RecordID:   "r1",
		ClientTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		PrevHash:   event.GenesisHash,
		Hash:       "abc",
	}}

	acks, err := remote.Submit(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, []Ack{{EventID: "e1", Code: CodeOK}}, acks)
	require.Equal(t, "Bearer opaque-token", gotAuth)

	require.Len(t, gotBody.Events, 1)
	require.Equal(t, uint64(1), gotBody.Events[0].Sequence)
	require.Equal(t, event.GenesisHash, gotBody.Events[0].PrevHash)
	require.Equal(t, "2026-03-01T09:00:00Z", gotBody.Events[0].ClientTime)
}

func TestHTTPRemoteStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/events:status", r.URL.Path)
		var req statusRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"e1", "e2"}, req.EventIDs)
		_ = json.NewEncoder(w).Encode(ackResponse{Acks: []Ack{
			{EventID: "e1", Code: CodeOK},
			{EventID: "e2", Code: CodeDuplicate},
		}})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, nil, nil)
	acks, err := remote.Status(context.Background(), []string{"e1", "e2"})
	require.NoError(t, err)
	require.Len(t, acks, 2)
	require.Equal(t, CodeDuplicate, acks[1].Code)
}

func TestHTTPRemotePullSendsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/events/delta", r.URL.Path)
		require.Equal(t, "cur 1", r.URL.Query().Get("cursor"))
		_ = json.NewEncoder(w).Encode(Delta{Cursor: "cur-2"})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, nil, nil)
	delta, err := remote.Pull(context.Background(), "cur 1")
	require.NoError(t, err)
	require.Equal(t, "cur-2", delta.Cursor)
	require.Empty(t, delta.Events)
}

func TestHTTPRemoteUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, nil, nil)
	_, err := remote.Pull(context.Background(), "")
	require.ErrorIs(t, err, ErrReauthRequired)
	require.False(t, IsTransient(err))
}

func TestHTTPRemoteServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, nil, nil)
	_, err := remote.Status(context.Background(), []string{"e1"})
	require.True(t, IsTransient(err))
}

func TestHTTPRemoteNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	remote := NewHTTPRemote(srv.URL, nil, nil)
	_, err := remote.Pull(context.Background(), "")
	require.True(t, IsTransient(err))
}

func TestHTTPRemoteClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "malformed batch", http.StatusBadRequest)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, nil, nil)
	_, err := remote.Status(context.Background(), []string{"e1"})
	require.Error(t, err)
	require.False(t, IsTransient(err))
	require.Contains(t, err.Error(), "malformed batch")
}

func TestValidateRemoteEvent(t *testing.T) {
	valid := RemoteEvent{
		EventID:  "e1",
		RecordID: "r1",
		Type:     event.TypeRecordWithdrawn,
		AuthorID: "investigator-7",
		IssuedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, ValidateRemoteEvent(valid))

	missing := valid
	missing.AuthorID = ""
	require.Error(t, ValidateRemoteEvent(missing))

	wrongType := valid
	wrongType.Type = event.TypeRecordStarted
	require.Error(t, ValidateRemoteEvent(wrongType))
}
