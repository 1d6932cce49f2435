package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/ingest"
	"github.com/odyssey-erp/assetgate/internal/objectstore"
	"github.com/odyssey-erp/assetgate/internal/platform/httpx"
	"github.com/odyssey-erp/assetgate/internal/shared"
	"github.com/odyssey-erp/assetgate/internal/signer"
	"github.com/odyssey-erp/assetgate/jobs"
)

type ownerAuthorizer struct {
	auditErr error
	calls    []string
}

func (a *ownerAuthorizer) Authorize(ctx context.Context, p authz.Principal, action authz.Action, rawPath string) (authz.Decision, error) {
	a.calls = append(a.calls, string(action)+" "+rawPath)
	if a.auditErr != nil {
		return authz.Decision{Reason: shared.ReasonAuditWrite}, a.auditErr
	}
	sp, err := authz.ParsePath(rawPath)
	if err != nil {
		return authz.Decision{Reason: shared.ReasonInvalidPath}, nil
	}
	if authz.Owns(p, sp) {
		return authz.Decision{Allow: true, Reason: shared.ReasonOwner, Path: sp.String()}, nil
	}
	return authz.Decision{Reason: shared.ReasonNotOwner, Path: sp.String()}, nil
}

type stubIssuer struct {
	gotTTL time.Duration
	gotOp  objectstore.Operation
	err    error
}

func (s *stubIssuer) IssueURL(ctx context.Context, p authz.Principal, op objectstore.Operation, rawPath string, ttl time.Duration) (signer.SignedURL, error) {
	s.gotTTL, s.gotOp = ttl, op
	if s.err != nil {
		return signer.SignedURL{}, s.err
	}
	return signer.SignedURL{URL: "https://store/" + rawPath, Method: op.Method(), Path: rawPath, Operation: op, ExpiresAt: time.Unix(1700000000, 0).UTC()}, nil
}

func (s *stubIssuer) IssueAssetURL(ctx context.Context, p authz.Principal, op objectstore.Operation, assetID string, ttl time.Duration) (signer.SignedURL, error) {
	if assetID != "known" {
		return signer.SignedURL{}, shared.ErrNotFound
	}
	return s.IssueURL(ctx, p, op, "/teachers/42/a.pdf", ttl)
}

func (s *stubIssuer) Policy() signer.Policy { return signer.DefaultPolicy }

type stubIngestor struct {
	prefix string
	body   []byte
	err    error
}

func (s *stubIngestor) IngestArchive(ctx context.Context, p authz.Principal, prefix string, stream io.Reader) (ingest.Summary, error) {
	s.prefix = prefix
	var err error
	s.body, err = io.ReadAll(stream)
	if err != nil {
		return ingest.Summary{}, shared.NewReasonError(shared.ErrValidationFailed, shared.ReasonFileTooLarge, err)
	}
	if s.err != nil {
		return ingest.Summary{}, s.err
	}
	return ingest.Summary{Succeeded: []ingest.EntryResult{{Name: "a.pdf", State: ingest.StateWritten}}, Format: "zip"}, nil
}

type stubQueue struct {
	payloads []jobs.StagedIngestPayload
}

func (q *stubQueue) EnqueueStagedIngest(ctx context.Context, payload jobs.StagedIngestPayload) (string, error) {
	q.payloads = append(q.payloads, payload)
	return "task-1", nil
}

type stubStatus struct {
	status jobs.StagedIngestStatus
}

func (s stubStatus) StagedIngestStatus(ctx context.Context, taskID string) (jobs.StagedIngestStatus, error) {
	if taskID != s.status.TaskID {
		return jobs.StagedIngestStatus{}, shared.ErrNotFound
	}
	return s.status, nil
}

type fixture struct {
	authorizer *ownerAuthorizer
	issuer     *stubIssuer
	ingestor   *stubIngestor
	queue      *stubQueue
	router     chi.Router
}

var teacher = authz.Principal{ID: "42", Role: authz.RoleTeacher}

func newFixture(t *testing.T, p *authz.Principal, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{authorizer: &ownerAuthorizer{}, issuer: &stubIssuer{}, ingestor: &stubIngestor{}, queue: &stubQueue{}}
	summary, _ := json.Marshal(ingest.Summary{Succeeded: []ingest.EntryResult{{Name: "x"}}})
	opts = append([]Option{WithStagedIngest(f.queue, stubStatus{status: jobs.StagedIngestStatus{TaskID: "task-1", State: "completed", PrincipalID: "42", Result: summary}})}, opts...)
	h := NewHandler(nil, f.authorizer, f.issuer, f.ingestor, opts...)
	r := chi.NewRouter()
	if p != nil {
		principal := *p
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(authz.ContextWithPrincipal(r.Context(), principal)))
			})
		})
	}
	h.MountRoutes(r)
	h.MountStreamingRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func problemReason(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	return problem.Reason
}

func TestAuthorizeEndpoint(t *testing.T) {
	f := newFixture(t, &teacher)

	rr := f.do(http.MethodPost, "/authorize", []byte(`{"action":"write","path":"/teachers/42/my_docs/a.pdf"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	var decision decisionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decision))
	assert.True(t, decision.Allow)
	assert.Equal(t, shared.ReasonOwner, decision.Reason)

	rr = f.do(http.MethodPost, "/authorize", []byte(`{"action":"write","path":"/teachers/99/a.pdf"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decision))
	assert.False(t, decision.Allow)
	assert.Equal(t, shared.ReasonNotOwner, decision.Reason)
}

func TestAuthorizeEndpointRejectsBadRequests(t *testing.T) {
	f := newFixture(t, &teacher)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/authorize", []byte(`{"action":"delete","path":"/teachers/42"}`)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/authorize", []byte(`{"action":"read"}`)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/authorize", []byte(`{"action":"read","path":"/x","extra":1}`)).Code)
	assert.Empty(t, f.authorizer.calls)
}

func TestAuthorizeEndpointAuditFailure(t *testing.T) {
	f := newFixture(t, &teacher)
	f.authorizer.auditErr = shared.NewReasonError(shared.ErrAuditWriteFailed, shared.ReasonAuditWrite, errors.New("sink down"))

	rr := f.do(http.MethodPost, "/authorize", []byte(`{"action":"read","path":"/teachers/42/a.pdf"}`))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, shared.ReasonAuditWrite, problemReason(t, rr))
}

func TestRequestsWithoutPrincipalAreUnauthorized(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(http.MethodPost, "/urls", []byte(`{"operation":"get","path":"/teachers/42/a.pdf"}`))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIssueURLUsesPresetWhenTTLOmitted(t *testing.T) {
	f := newFixture(t, &teacher)

	rr := f.do(http.MethodPost, "/urls", []byte(`{"operation":"put","path":"/teachers/42/a.pdf"}`))
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, signer.ShortTTL, f.issuer.gotTTL)
	assert.Equal(t, objectstore.OpPut, f.issuer.gotOp)

	var resp signedURLResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, http.MethodPut, resp.Method)

	rr = f.do(http.MethodPost, "/urls", []byte(`{"operation":"get","path":"/teachers/42/a.pdf","ttl_seconds":600}`))
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 10*time.Minute, f.issuer.gotTTL)
}

func TestIssueURLOversizedTTLDoesNotWrap(t *testing.T) {
	f := newFixture(t, &teacher)
	ceiling := signer.DefaultPolicy.Ceiling(objectstore.OpPut)

	rr := f.do(http.MethodPost, "/urls", []byte(`{"operation":"put","path":"/teachers/42/a.pdf","ttl_seconds":18446744074}`))
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Greater(t, f.issuer.gotTTL, ceiling)

	rr = f.do(http.MethodPost, "/urls", []byte(`{"operation":"put","path":"/teachers/42/a.pdf","ttl_seconds":-18446744074}`))
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.LessOrEqual(t, f.issuer.gotTTL, time.Duration(0))
}

func TestIssueURLMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		reason string
	}{
		{shared.NewReasonError(shared.ErrPermissionDenied, shared.ReasonNotOwner, nil), http.StatusForbidden, shared.ReasonNotOwner},
		{shared.NewReasonError(shared.ErrInvalidTTL, shared.ReasonInvalidTTL, nil), http.StatusBadRequest, shared.ReasonInvalidTTL},
		{shared.NewReasonError(shared.ErrInvalidPath, shared.ReasonInvalidPath, nil), http.StatusBadRequest, shared.ReasonInvalidPath},
		{shared.NewReasonError(shared.ErrStorageWriteFailed, shared.ReasonSigningFailed, nil), http.StatusBadGateway, shared.ReasonSigningFailed},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			f := newFixture(t, &teacher)
			f.issuer.err = tc.err
			rr := f.do(http.MethodPost, "/urls", []byte(`{"operation":"get","path":"/teachers/42/a.pdf","ttl_seconds":60}`))
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.reason, problemReason(t, rr))
		})
	}
}

func TestIssueAssetURL(t *testing.T) {
	f := newFixture(t, &teacher)

	assert.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/assets/known/urls", []byte(`{"operation":"get"}`)).Code)
	assert.Equal(t, signer.LongTTL, f.issuer.gotTTL)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/assets/missing/urls", []byte(`{"operation":"get"}`)).Code)
}

func TestIngestEndpoint(t *testing.T) {
	f := newFixture(t, &teacher)

	rr := f.do(http.MethodPost, "/ingest?prefix=/teachers/42/course", []byte("archive"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/teachers/42/course", f.ingestor.prefix)
	assert.Equal(t, "archive", string(f.ingestor.body))

	var summary ingest.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Len(t, summary.Succeeded, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/ingest", []byte("archive")).Code)
}

func TestIngestEndpointCapsBody(t *testing.T) {
	f := newFixture(t, &teacher, WithMaxArchiveSize(4))

	rr := f.do(http.MethodPost, "/ingest?prefix=/teachers/42/course", []byte("archive"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestEndpointDenied(t *testing.T) {
	f := newFixture(t, &teacher)
	f.ingestor.err = shared.NewReasonError(shared.ErrPermissionDenied, shared.ReasonNotOwner, nil)

	rr := f.do(http.MethodPost, "/ingest?prefix=/teachers/99", []byte("archive"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestEnqueueStagedAuthorizesBothPaths(t *testing.T) {
	f := newFixture(t, &teacher)

	rr := f.do(http.MethodPost, "/ingest/staged", []byte(`{"staging_path":"/teachers/42/staging/a.zip","prefix":"/teachers/42/course/"}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"read /teachers/42/staging/a.zip", "write /teachers/42/course/"}, f.authorizer.calls)
	require.Len(t, f.queue.payloads, 1)
	payload := f.queue.payloads[0]
	assert.Equal(t, "/teachers/42/course", payload.Prefix)
	assert.Equal(t, "teacher", payload.Role)
	assert.NotEmpty(t, payload.CorrelationID)

	rr = f.do(http.MethodPost, "/ingest/staged", []byte(`{"staging_path":"/teachers/42/staging/a.zip","prefix":"/teachers/7/course"}`))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Len(t, f.queue.payloads, 1)
}

func TestStagedStatusHidesForeignTasks(t *testing.T) {
	f := newFixture(t, &teacher)
	rr := f.do(http.MethodGet, "/ingest/jobs/task-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp stagedStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.State)
	require.NotNil(t, resp.Summary)
	assert.Len(t, resp.Summary.Succeeded, 1)

	other := authz.Principal{ID: "7", Role: authz.RoleTeacher}
	f = newFixture(t, &other)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/ingest/jobs/task-1", nil).Code)

	admin := authz.Principal{ID: "1", Role: authz.RoleAdministrator}
	f = newFixture(t, &admin)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ingest/jobs/task-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/ingest/jobs/nope", nil).Code)
}
