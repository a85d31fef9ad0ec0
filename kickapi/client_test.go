package kickapi_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/onnwee/kickchat/backend/kickapi"
	"github.com/onnwee/kickchat/backend/testutil"
)

func TestClientChatroomID(t *testing.T) {
	srv := testutil.NewMockKickServer(t)
	srv.MockChannel("xqc", 668)
	srv.MockStatus("blocked", http.StatusForbidden)

	c := &kickapi.Client{BaseURL: srv.BaseURL()}

	tests := []struct {
		name    string
		slug    string
		want    string
		wantErr error
	}{
		{name: "found", slug: "xqc", want: "668"},
		{name: "not found", slug: "nobody", wantErr: kickapi.ErrChannelNotFound},
		{name: "forbidden", slug: "blocked", wantErr: kickapi.ErrUnexpectedStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ChatroomID(context.Background(), tt.slug)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ChatroomID(%q) err = %v, want %v", tt.slug, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ChatroomID(%q) error: %v", tt.slug, err)
			}
			if got != tt.want {
				t.Errorf("ChatroomID(%q) = %q, want %q", tt.slug, got, tt.want)
			}
		})
	}
}

func TestClientSendsUserAgent(t *testing.T) {
	srv := testutil.NewMockKickServer(t)
	var gotUA string
	srv.Handlers["ua"] = func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"slug":"ua","chatroom":{"id":9}}`))
	}
	c := &kickapi.Client{BaseURL: srv.BaseURL(), UserAgent: "kickchat-test"}
	ch, err := c.GetChannel(context.Background(), "ua")
	if err != nil {
		t.Fatalf("GetChannel error: %v", err)
	}
	if ch.Chatroom.ID != 9 {
		t.Errorf("chatroom id = %d, want 9", ch.Chatroom.ID)
	}
	if gotUA != "kickchat-test" {
		t.Errorf("User-Agent = %q, want kickchat-test", gotUA)
	}
}

func TestClientRejectsEmptySlugAndBadBody(t *testing.T) {
	srv := testutil.NewMockKickServer(t)
	srv.Handlers["garbage"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>challenge</html>`))
	}
	srv.Handlers["nochat"] = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":1,"slug":"nochat"}`))
	}
	c := &kickapi.Client{BaseURL: srv.BaseURL()}

	if _, err := c.GetChannel(context.Background(), ""); err == nil {
		t.Error("expected error for empty slug")
	}
	if _, err := c.GetChannel(context.Background(), "garbage"); err == nil {
		t.Error("expected decode error for non-JSON body")
	}
	if _, err := c.ChatroomID(context.Background(), "nochat"); err == nil {
		t.Error("expected error for channel without chatroom")
	}
	if srv.Hits("garbage") != 1 {
		t.Errorf("hits = %d, want 1", srv.Hits("garbage"))
	}
}
