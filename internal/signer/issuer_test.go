package signer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/assetgate/internal/assets"
	"github.com/odyssey-erp/assetgate/internal/audit"
	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/objectstore"
	"github.com/odyssey-erp/assetgate/internal/shared"
)

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (s *memorySink) Append(ctx context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action+":"+string(e.Decision))
	}
	return out
}

type countingSigner struct {
	calls int
	key   string
	op    objectstore.Operation
	exp   time.Time
	err   error
}

func (s *countingSigner) SignURL(ctx context.Context, key string, op objectstore.Operation, expiresAt time.Time) (string, error) {
	s.calls++
	s.key, s.op, s.exp = key, op, expiresAt
	if s.err != nil {
		return "", s.err
	}
	return "https://objects.test/" + key + "?sig=x", nil
}

type grantList []authz.Grant

func (g grantList) FindGrant(ctx context.Context, path, granteeID string) (*authz.Grant, error) {
	for i := range g {
		if g[i].GranteeID == granteeID && authz.Covers(g[i].Ref, path) {
			grant := g[i]
			return &grant, nil
		}
	}
	return nil, nil
}

type assetMap map[string]assets.Asset

func (m assetMap) GetAsset(ctx context.Context, id string) (assets.Asset, error) {
	a, ok := m[id]
	if !ok {
		return assets.Asset{}, shared.ErrNotFound
	}
	return a, nil
}

type fixture struct {
	clock  *clock.Mock
	sink   *memorySink
	signer *countingSigner
	issuer *Issuer
}

func newFixture(grants grantList, opts ...Option) *fixture {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sink := &memorySink{}
	rec := audit.NewRecorder(sink, clk, nil)
	engine := authz.NewEngine(grants, rec, authz.WithClock(clk))
	sig := &countingSigner{}
	opts = append([]Option{WithClock(clk)}, opts...)
	return &fixture{clock: clk, sink: sink, signer: sig, issuer: NewIssuer(engine, sig, rec, opts...)}
}

var teacher = authz.Principal{ID: "42", Role: authz.RoleTeacher}

func TestIssueURLRejectsTTLAboveCeilingWithoutSigning(t *testing.T) {
	f := newFixture(nil)

	_, err := f.issuer.IssueURL(context.Background(), teacher, objectstore.OpPut, "/teachers/42/video.mp4", DefaultPolicy.UploadMax+time.Second)
	require.ErrorIs(t, err, shared.ErrInvalidTTL)
	assert.Equal(t, shared.ReasonInvalidTTL, shared.ReasonOf(err))
	assert.Zero(t, f.signer.calls)
	assert.Equal(t, []string{"issue_url:deny"}, f.sink.actions())
}

func TestIssueURLRejectsNonPositiveTTL(t *testing.T) {
	f := newFixture(nil)
	for _, ttl := range []time.Duration{0, -time.Minute} {
		_, err := f.issuer.IssueURL(context.Background(), teacher, objectstore.OpGet, "/teachers/42/video.mp4", ttl)
		assert.ErrorIs(t, err, shared.ErrInvalidTTL)
	}
	assert.Zero(t, f.signer.calls)
}

func TestIssueURLUploadForOwner(t *testing.T) {
	f := newFixture(nil)

	got, err := f.issuer.IssueURL(context.Background(), teacher, objectstore.OpPut, "teachers/42//lessons/./intro.mp4", ShortTTL)
	require.NoError(t, err)
	assert.Equal(t, "PUT", got.Method)
	assert.Equal(t, "/teachers/42/lessons/intro.mp4", got.Path)
	assert.Equal(t, f.clock.Now().Add(ShortTTL), got.ExpiresAt)
	assert.Equal(t, "teachers/42/lessons/intro.mp4", f.signer.key)
	assert.Equal(t, objectstore.OpPut, f.signer.op)
	assert.Equal(t, []string{"authorize.write:allow", "issue_url:allow"}, f.sink.actions())
}

func TestIssueURLNeverSignsWhenDenied(t *testing.T) {
	f := newFixture(nil)
	student := authz.Principal{ID: "7", Role: authz.RoleStudent}

	cases := []struct {
		name   string
		op     objectstore.Operation
		path   string
		kind   error
		reason string
	}{
		{"foreign write", objectstore.OpPut, "/teachers/42/video.mp4", shared.ErrPermissionDenied, shared.ReasonNotOwner},
		{"ungranted read", objectstore.OpGet, "/teachers/42/video.mp4", shared.ErrPermissionDenied, shared.ReasonNoGrant},
		{"traversal", objectstore.OpGet, "/students/7/../../teachers/42/video.mp4", shared.ErrInvalidPath, shared.ReasonInvalidPath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.issuer.IssueURL(context.Background(), student, tc.op, tc.path, time.Minute)
			require.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.reason, shared.ReasonOf(err))
		})
	}
	assert.Zero(t, f.signer.calls)
}

func TestIssueURLReadThroughGrant(t *testing.T) {
	f := newFixture(grantList{{ID: "g1", Ref: "/teachers/42/course", GranteeID: "7"}})
	student := authz.Principal{ID: "7", Role: authz.RoleStudent}

	got, err := f.issuer.IssueURL(context.Background(), student, objectstore.OpGet, "/teachers/42/course/week1.mp4", LongTTL)
	require.NoError(t, err)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, 1, f.signer.calls)
}

func TestIssueURLRejectsOwnerRoot(t *testing.T) {
	f := newFixture(nil)

	_, err := f.issuer.IssueURL(context.Background(), teacher, objectstore.OpPut, "/teachers/42", time.Minute)
	require.ErrorIs(t, err, shared.ErrInvalidPath)
	assert.Zero(t, f.signer.calls)
}

func TestIssueURLSigningFailure(t *testing.T) {
	f := newFixture(nil)
	f.signer.err = errors.New("presign: no credentials")

	_, err := f.issuer.IssueURL(context.Background(), teacher, objectstore.OpGet, "/teachers/42/video.mp4", time.Minute)
	require.ErrorIs(t, err, shared.ErrStorageWriteFailed)
	assert.Equal(t, shared.ReasonSigningFailed, shared.ReasonOf(err))
	assert.Equal(t, []string{"authorize.read:allow", "issue_url:deny"}, f.sink.actions())
}

func TestIssueURLAuditFailureWithholdsURL(t *testing.T) {
	f := newFixture(nil)
	f.sink.err = errors.New("disk full")

	got, err := f.issuer.IssueURL(context.Background(), teacher, objectstore.OpGet, "/teachers/42/video.mp4", time.Minute)
	require.ErrorIs(t, err, shared.ErrAuditWriteFailed)
	assert.Empty(t, got.URL)
	assert.Zero(t, f.signer.calls)
}

func TestIssueAssetURL(t *testing.T) {
	resolver := assetMap{"a-1": {ID: "a-1", Path: "/publishers/7/book/ch1.pdf"}}
	f := newFixture(nil, WithAssets(resolver))
	publisher := authz.Principal{ID: "7", Role: authz.RolePublisher}

	got, err := f.issuer.IssueAssetURL(context.Background(), publisher, objectstore.OpGet, "a-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "/publishers/7/book/ch1.pdf", got.Path)

	_, err = f.issuer.IssueAssetURL(context.Background(), publisher, objectstore.OpGet, "missing", time.Hour)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestPolicyPreset(t *testing.T) {
	assert.Equal(t, ShortTTL, DefaultPolicy.Preset(objectstore.OpPut))
	assert.Equal(t, LongTTL, DefaultPolicy.Preset(objectstore.OpGet))

	tight := Policy{UploadMax: time.Minute, DownloadMax: 10 * time.Minute}
	assert.Equal(t, time.Minute, tight.Preset(objectstore.OpPut))
	assert.Equal(t, 10*time.Minute, tight.Preset(objectstore.OpGet))
}
