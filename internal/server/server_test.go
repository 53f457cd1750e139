package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"agentstage/internal/config"
	"agentstage/internal/db"
	"agentstage/internal/engine"
	"agentstage/internal/migrate"
	"agentstage/internal/responder"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Responder = responder.Static{Text: "hello from preview"}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actorHeaders = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createAgentAndDraft(t *testing.T, srv *testServer) (string, string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents", map[string]any{
		"name": "support-bot",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status %d: %s", res.StatusCode, string(data))
	}
	var agent AgentResponse
	if err := json.Unmarshal(data, &agent); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/"+agent.ID+"/versions", map[string]any{
		"config": map[string]any{"model": "a", "greeting": "hi"},
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create draft status %d: %s", res.StatusCode, string(data))
	}
	var version VersionResponse
	if err := json.Unmarshal(data, &version); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	return agent.ID, version.ID
}

func TestEditorRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPublishFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, versionID := createAgentAndDraft(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/versions/"+versionID+"/publish", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var published VersionResponse
	_ = json.Unmarshal(data, &published)
	if published.Status != "production" {
		t.Fatalf("expected production, got %s", published.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/versions/"+versionID+"/publish", nil, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("second publish should be 422, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPreviewFlowEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, versionID := createAgentAndDraft(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/versions/"+versionID+"/links", map[string]any{
		"password":         "s3cret",
		"include_feedback": true,
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue link status %d: %s", res.StatusCode, string(data))
	}
	var issued IssuedLinkResponse
	if err := json.Unmarshal(data, &issued); err != nil {
		t.Fatalf("unmarshal link: %v", err)
	}
	if issued.Password != "s3cret" || issued.Token == "" {
		t.Fatalf("issuance should return token and one-time password: %+v", issued)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/p/"+issued.Token, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview meta status %d: %s", res.StatusCode, string(data))
	}
	var meta PreviewMetaResponse
	_ = json.Unmarshal(data, &meta)
	if !meta.PasswordRequired || meta.AgentName != "support-bot" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if bytes.Contains(data, []byte("s3cret")) || bytes.Contains(data, []byte("password_hash")) {
		t.Fatalf("preview meta leaks secrets: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/p/"+issued.Token+"/conversations", map[string]any{
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("wrong password should be 404, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/p/"+issued.Token+"/conversations", map[string]any{
		"password": "s3cret",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start conversation status %d: %s", res.StatusCode, string(data))
	}
	var conv ConversationResponse
	_ = json.Unmarshal(data, &conv)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/p/"+issued.Token+"/conversations/"+conv.ID+"/messages", map[string]any{
		"message": "hi there",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("post message status %d: %s", res.StatusCode, string(data))
	}
	var msg MessageResponse
	_ = json.Unmarshal(data, &msg)
	if msg.Reply != "hello from preview" {
		t.Fatalf("unexpected reply: %s", msg.Reply)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/p/"+issued.Token+"/feedback", map[string]any{
		"rating": 5,
		"text":   "great",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("feedback status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/links/"+issued.ID+"/feedback", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list feedback status %d: %s", res.StatusCode, string(data))
	}
	var items []FeedbackResponse
	_ = json.Unmarshal(data, &items)
	if len(items) != 1 || items[0].Rating == nil || *items[0].Rating != 5 {
		t.Fatalf("feedback not listed: %s", string(data))
	}
}

func TestUnknownTokenAndWrongPasswordLookAlike(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, versionID := createAgentAndDraft(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/versions/"+versionID+"/links", map[string]any{
		"password": "s3cret",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue link status %d: %s", res.StatusCode, string(data))
	}
	var issued IssuedLinkResponse
	_ = json.Unmarshal(data, &issued)

	unknownRes, unknownBody := doJSON(t, client, http.MethodPost, srv.URL+"/p/no-such-token/conversations", map[string]any{}, nil)
	wrongRes, wrongBody := doJSON(t, client, http.MethodPost, srv.URL+"/p/"+issued.Token+"/conversations", map[string]any{
		"password": "wrong",
	}, nil)

	if unknownRes.StatusCode != http.StatusNotFound || wrongRes.StatusCode != http.StatusNotFound {
		t.Fatalf("both must be 404: %d %d", unknownRes.StatusCode, wrongRes.StatusCode)
	}
	if !bytes.Equal(unknownBody, wrongBody) {
		t.Fatalf("bodies must be indistinguishable: %s vs %s", string(unknownBody), string(wrongBody))
	}
}

func TestRevokedLinkIsGone(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, versionID := createAgentAndDraft(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/versions/"+versionID+"/links", map[string]any{}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue link status %d: %s", res.StatusCode, string(data))
	}
	var issued IssuedLinkResponse
	_ = json.Unmarshal(data, &issued)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/links/"+issued.ID+"/revoke", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/p/"+issued.Token, nil, nil)
	if res.StatusCode != http.StatusGone {
		t.Fatalf("revoked preview should be 410, got %d: %s", res.StatusCode, string(data))
	}
}
