package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"unlock-server/internal/auth"
	"unlock-server/internal/config"
	"unlock-server/internal/decrypt"
	"unlock-server/internal/entitlement"
	"unlock-server/internal/lessons"
	"unlock-server/internal/nostr"
	"unlock-server/internal/nwc"
	"unlock-server/internal/payments"
	"unlock-server/internal/render"
	"unlock-server/internal/subscription"
	"unlock-server/internal/types"
	"unlock-server/internal/util"
)

const (
	sessionIDCookie = "unlock_sid"
	sessionIDMaxAge = 30 * 24 * 60 * 60

	// authorizationWait bounds how long POST /subscriptions waits for the
	// wallet authorization URL before answering.
	authorizationWait = 10 * time.Second
)

// Content statuses
const (
	statusUnlocked        = "unlocked"
	statusPaymentRequired = "payment_required"
	statusProcessing      = "processing"
)

// contentSource loads published content (nostr.ContentSource).
type contentSource interface {
	Item(ctx context.Context, id string) (*types.ContentItem, error)
	Course(ctx context.Context, id string) (*types.Course, error)
	Lessons(ctx context.Context, course *types.Course) []*types.ContentItem
}

// app holds the long-lived services shared by every session.
type app struct {
	cfg           *config.Config
	content       contentSource
	users         *userLoader
	tokens        *auth.TokenVerifier
	csrf          *auth.CSRF
	sessions      *sessionRegistry
	decrypter     decrypt.Decrypter
	payments      *payments.Orchestrator
	subscriptions *subscription.Orchestrator
	connector     *nwc.Connector
	lessonOpts    lessons.Options
}

// newRuntime builds a fresh runtime with its own decrypt cache.
func (a *app) newRuntime(id, pubkey string) *sessionRuntime {
	logger := slog.Default().With("session", util.Prefix(id, 8))
	dec := decrypt.New(a.decrypter,
		decrypt.WithWaitDelay(a.cfg.Decrypt.WaitDelay),
		decrypt.WithLogger(logger),
		decrypt.WithObserver(observeDecrypt),
	)
	return newSessionRuntime(id, pubkey, dec)
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("GET /nwc/callback", a.handleNWCCallback)

	mux.HandleFunc("GET /session", a.withSession(a.handleSession))
	mux.HandleFunc("GET /notices", a.withSession(a.handleNotices))
	mux.HandleFunc("GET /content/{id}", a.withSession(a.handleContent))
	mux.HandleFunc("GET /courses/{id}", a.withSession(a.handleCourse))
	mux.HandleFunc("GET /courses/{id}/lessons/{lessonID}", a.withSession(a.handleLesson))

	mux.HandleFunc("POST /purchases", limitBody(a.withSession(a.handleStartPurchase), maxBodySize))
	mux.HandleFunc("GET /purchases/{flow}", a.withSession(a.handlePurchaseStatus))
	mux.HandleFunc("POST /purchases/{flow}/open", a.withSession(a.handleOpenPurchase))
	mux.HandleFunc("DELETE /purchases/{flow}", a.withSession(a.handleClosePurchase))

	mux.HandleFunc("POST /subscriptions", a.withSession(a.handleSubscribe))
	mux.HandleFunc("POST /subscriptions/nwc", limitBody(a.withSession(a.handleSubscribeWithURL), maxBodySize))
	mux.HandleFunc("GET /subscriptions/status", a.withSession(a.handleSubscriptionStatus))
	mux.HandleFunc("DELETE /subscriptions", a.withSession(a.handleCancelSubscription))

	protect := a.csrf.Protect(a.csrfSessionID, func(w http.ResponseWriter, err error) {
		util.RespondForbidden(w, err.Error())
	})
	return accessLog(securityHeaders(protect(mux)))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// Session resolution
// =============================================================================

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// csrfSessionID names the session a state-changing request must carry a CSRF
// token for. Bearer-token clients return "". A cookie login without a session
// id cookie returns a value no token was ever issued for.
func (a *app) csrfSessionID(r *http.Request) string {
	if bearerToken(r) != "" {
		return ""
	}
	if c, err := r.Cookie(sessionIDCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if c, err := r.Cookie(a.cfg.Auth.SessionCookie); err == nil && c.Value != "" {
		return "-"
	}
	return ""
}

// identify returns the session id and the authenticated pubkey ("" when
// anonymous). Cookie sessions get a session id cookie on first contact.
func (a *app) identify(w http.ResponseWriter, r *http.Request) (id, pubkey string, err error) {
	if tok := bearerToken(r); tok != "" {
		pubkey, err = a.tokens.Verify(tok)
		if err != nil {
			return "", "", err
		}
		return "bearer:" + pubkey, pubkey, nil
	}

	if c, err := r.Cookie(a.cfg.Auth.SessionCookie); err == nil && c.Value != "" {
		pk, verr := a.tokens.Verify(c.Value)
		if verr != nil {
			requestLogger(r.Context()).Debug("ignoring invalid session cookie", "error", verr)
			DeleteCookie(w, r, a.cfg.Auth.SessionCookie)
		} else {
			pubkey = pk
		}
	}

	if c, err := r.Cookie(sessionIDCookie); err == nil {
		if _, perr := uuid.Parse(c.Value); perr == nil {
			return c.Value, pubkey, nil
		}
	}
	id = uuid.NewString()
	SetLaxCookie(w, r, sessionIDCookie, id, sessionIDMaxAge)
	return id, pubkey, nil
}

type sessionHandler func(http.ResponseWriter, *http.Request, *sessionRuntime)

// withSession resolves the caller's runtime and loads their user record.
func (a *app) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, pubkey, err := a.identify(w, r)
		if err != nil {
			util.RespondUnauthorized(w, "invalid session token")
			return
		}
		r = withSessionLog(r, id, pubkey)
		rt := a.sessions.Get(id, pubkey)
		if pubkey != "" {
			user, err := a.users.Load(r.Context(), pubkey)
			if err != nil {
				requestLogger(r.Context()).Error("user load failed", "pubkey", util.Prefix(pubkey, 12), "error", err)
				util.RespondServiceUnavailable(w, "user service unavailable")
				return
			}
			rt.setUser(user)
		}
		h(w, r, rt)
	}
}

// requireUser returns the session user or writes an error response.
func requireUser(w http.ResponseWriter, rt *sessionRuntime) (*types.User, bool) {
	if rt.pubkey == "" {
		util.RespondUnauthorized(w, "login required")
		return nil, false
	}
	user := rt.User()
	if user == nil || user.ID == "" {
		util.RespondForbidden(w, "user not registered")
		return nil, false
	}
	return user, true
}

// refreshSession re-fetches the session user after a payment so the new
// grant is visible to entitlement checks and lesson coordinators.
func (a *app) refreshSession(ctx context.Context, rt *sessionRuntime) error {
	if rt.pubkey == "" {
		return nil
	}
	user, err := a.users.Refresh(ctx, rt.pubkey)
	if err != nil {
		return err
	}
	rt.setUser(user)
	return nil
}

type sessionResponse struct {
	Authenticated bool        `json:"authenticated"`
	PubKey        string      `json:"pubkey,omitempty"`
	User          *types.User `json:"user,omitempty"`
	CSRFToken     string      `json:"csrfToken,omitempty"`
}

func (a *app) handleSession(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	resp := sessionResponse{Authenticated: rt.pubkey != "", PubKey: rt.pubkey}
	if user := rt.User(); user != nil {
		u := *user
		u.PrivKey = ""
		u.Role = nil
		if user.Role != nil {
			u.Role = &types.Role{Subscribed: user.Role.Subscribed, SubscriptionStartDate: user.Role.SubscriptionStartDate, LastPaymentAt: user.Role.LastPaymentAt}
		}
		resp.User = &u
	}
	if !strings.HasPrefix(rt.id, "bearer:") {
		resp.CSRFToken = a.csrf.Token(rt.id)
	}
	util.WriteJSON(w, http.StatusOK, resp)
}

func (a *app) handleNotices(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	util.WriteJSON(w, http.StatusOK, map[string]any{"notices": rt.notices.drain()})
}

// =============================================================================
// Content
// =============================================================================

type contentResponse struct {
	ID       string               `json:"id"`
	Title    string               `json:"title,omitempty"`
	Summary  string               `json:"summary,omitempty"`
	Image    string               `json:"image,omitempty"`
	CourseID string               `json:"courseId,omitempty"`
	Status   string               `json:"status"`
	Decision entitlement.Decision `json:"decision"`
	HTML     string               `json:"html,omitempty"`
}

func respondContentError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, nostr.ErrEventNotFound) || errors.Is(err, types.ErrWrongKind) {
		util.RespondNotFound(w, "content not found")
		return
	}
	requestLogger(r.Context()).Warn("content load failed", "id", id, "error", err)
	util.RespondError(w, http.StatusBadGateway, "content relays unavailable")
}

// unlock returns the rendered body of an item the session is entitled to.
// ok is false while ciphertext could not be decrypted yet.
func (a *app) unlock(ctx context.Context, rt *sessionRuntime, item *types.ContentItem) (html string, ok bool, err error) {
	body := item.Content
	if item.Encrypted() {
		if body, ok = rt.decrypt.Decrypt(ctx, item.Content); !ok {
			return "", false, nil
		}
	}
	html, err = render.Markdown(body)
	return html, err == nil, err
}

func (a *app) handleContent(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	ctx := r.Context()
	id := r.PathValue("id")

	item, err := a.content.Item(ctx, id)
	if err != nil {
		respondContentError(w, r, id, err)
		return
	}
	var course *types.Course
	if courseID := r.URL.Query().Get("course"); courseID != "" {
		if course, err = a.content.Course(ctx, courseID); err != nil {
			respondContentError(w, r, courseID, err)
			return
		}
		if !course.HasLesson(id) {
			util.RespondNotFound(w, "lesson not part of course")
			return
		}
	}

	resp := contentResponse{ID: item.ID, Title: item.Title, Summary: item.Summary, Image: item.Image}
	if course != nil {
		resp.CourseID = course.ID
	}
	resp.Decision = entitlement.Resolve(rt.Session(), item, course)
	if !resp.Decision.Authorized {
		resp.Status = statusPaymentRequired
		util.WriteJSON(w, http.StatusPaymentRequired, resp)
		return
	}

	html, ok, err := a.unlock(ctx, rt, item)
	switch {
	case err != nil:
		requestLogger(ctx).Error("render failed", "id", id, "error", err)
		util.RespondInternalError(w, "failed to render content")
		return
	case !ok:
		resp.Status = statusProcessing
	default:
		resp.Status = statusUnlocked
		resp.HTML = html
	}
	util.WriteJSON(w, http.StatusOK, resp)
}

type lessonResponse struct {
	CourseID string               `json:"courseId"`
	Lesson   lessons.LessonView   `json:"lesson"`
	Decision entitlement.Decision `json:"decision"`
	HTML     string               `json:"html,omitempty"`
}

func (a *app) handleLesson(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	ctx := r.Context()
	courseID, lessonID := r.PathValue("id"), r.PathValue("lessonID")

	course, err := a.content.Course(ctx, courseID)
	if err != nil {
		respondContentError(w, r, courseID, err)
		return
	}
	if !course.HasLesson(lessonID) {
		util.RespondNotFound(w, "lesson not part of course")
		return
	}

	if course.Price <= 0 {
		a.handleFreeLesson(w, r, rt, course, lessonID)
		return
	}

	coord, ok := rt.coordinator(course.ID, func() *lessons.Coordinator {
		items := a.content.Lessons(ctx, course)
		return lessons.New(course, items, rt.decrypt, a.lessonOpts)
	})
	if !ok {
		util.RespondServiceUnavailable(w, "session closed")
		return
	}
	session := rt.Session()
	view, err := coord.Focus(session, lessonID)
	if errors.Is(err, lessons.ErrUnknownLesson) {
		util.RespondNotFound(w, "lesson not available")
		return
	}

	item, err := a.content.Item(ctx, lessonID)
	if err != nil {
		respondContentError(w, r, lessonID, err)
		return
	}
	resp := lessonResponse{CourseID: course.ID, Lesson: view}
	resp.Decision = entitlement.Resolve(session, item, course)
	if !resp.Decision.Authorized {
		util.WriteJSON(w, http.StatusPaymentRequired, resp)
		return
	}
	if view.State == lessons.StateDecrypted {
		html, err := render.Markdown(view.Content)
		if err != nil {
			requestLogger(ctx).Error("render failed", "lesson", lessonID, "error", err)
			util.RespondInternalError(w, "failed to render lesson")
			return
		}
		resp.HTML = html
	}
	resp.Lesson.Content = ""
	util.WriteJSON(w, http.StatusOK, resp)
}

// handleFreeLesson serves a lesson of a free course directly; no coordinator
// is involved.
func (a *app) handleFreeLesson(w http.ResponseWriter, r *http.Request, rt *sessionRuntime, course *types.Course, lessonID string) {
	ctx := r.Context()
	item, err := a.content.Item(ctx, lessonID)
	if err != nil {
		respondContentError(w, r, lessonID, err)
		return
	}
	resp := lessonResponse{
		CourseID: course.ID,
		Lesson:   lessons.LessonView{ID: item.ID, Title: item.Title, State: lessons.StateNotAttempted},
		Decision: entitlement.Resolve(rt.Session(), item, course),
	}
	html, ok, err := a.unlock(ctx, rt, item)
	if err != nil {
		util.RespondInternalError(w, "failed to render lesson")
		return
	}
	if ok {
		resp.Lesson.State = lessons.StateDecrypted
		resp.HTML = html
	}
	util.WriteJSON(w, http.StatusOK, resp)
}

type courseResponse struct {
	Course   *types.Course        `json:"course"`
	Decision entitlement.Decision `json:"decision"`
	Lessons  []lessons.LessonView `json:"lessons"`
}

// handleCourse lists the lessons of a course with their decrypt state. Lesson
// bodies are only served by handleLesson.
func (a *app) handleCourse(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	ctx := r.Context()
	course, err := a.content.Course(ctx, r.PathValue("id"))
	if err != nil {
		respondContentError(w, r, r.PathValue("id"), err)
		return
	}
	resp := courseResponse{Course: course, Decision: entitlement.Resolve(rt.Session(), nil, course)}

	if course.Price <= 0 {
		for _, item := range a.content.Lessons(ctx, course) {
			resp.Lessons = append(resp.Lessons, lessons.LessonView{ID: item.ID, Title: item.Title, State: lessons.StateNotAttempted})
		}
		util.WriteJSON(w, http.StatusOK, resp)
		return
	}

	coord, ok := rt.coordinator(course.ID, func() *lessons.Coordinator {
		return lessons.New(course, a.content.Lessons(ctx, course), rt.decrypt, a.lessonOpts)
	})
	if !ok {
		util.RespondServiceUnavailable(w, "session closed")
		return
	}
	resp.Lessons = coord.Lessons()
	for i := range resp.Lessons {
		resp.Lessons[i].Content = ""
	}
	util.WriteJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Invoice purchases
// =============================================================================

type purchaseRequest struct {
	Kind payments.Kind `json:"kind"`
	ID   string        `json:"id"`
}

type purchaseResponse struct {
	FlowID     string              `json:"flowId"`
	Kind       payments.Kind       `json:"kind"`
	ItemID     string              `json:"itemId"`
	State      payments.State      `json:"state"`
	Instrument payments.Instrument `json:"instrument"`
	Error      string              `json:"error,omitempty"`
}

func flowResponse(f *payments.Flow) purchaseResponse {
	resp := purchaseResponse{
		FlowID:     f.ID,
		Kind:       f.Request.Kind,
		ItemID:     f.Request.ItemID,
		State:      f.State(),
		Instrument: f.Instrument(),
	}
	// Logged once by the flow's OnError; status polls only map it.
	if err := f.Err(); err != nil {
		resp.Error = userMessage(err)
	}
	return resp
}

// priceOf loads what is being bought and checks the session is not already
// entitled to it.
func (a *app) priceOf(ctx context.Context, rt *sessionRuntime, req purchaseRequest) (int64, entitlement.Decision, error) {
	switch req.Kind {
	case payments.KindCourse:
		course, err := a.content.Course(ctx, req.ID)
		if err != nil {
			return 0, entitlement.Decision{}, err
		}
		d := entitlement.Resolve(rt.Session(), nil, course)
		return course.Price, d, nil
	case payments.KindResource:
		item, err := a.content.Item(ctx, req.ID)
		if err != nil {
			return 0, entitlement.Decision{}, err
		}
		d := entitlement.Resolve(rt.Session(), item, nil)
		return item.Price, d, nil
	}
	return 0, entitlement.Decision{}, payments.ErrInvalidKind
}

func (a *app) handleStartPurchase(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	user, ok := requireUser(w, rt)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		util.RespondBadRequest(w, "kind and id are required")
		return
	}

	price, decision, err := a.priceOf(r.Context(), rt, req)
	switch {
	case errors.Is(err, payments.ErrInvalidKind):
		util.RespondBadRequest(w, "kind must be course or resource")
		return
	case err != nil:
		respondContentError(w, r, req.ID, err)
		return
	case decision.Authorized:
		util.RespondError(w, http.StatusConflict, "already unlocked")
		return
	}

	cb := payments.Callbacks{
		OnSuccess: func(f *payments.Flow) {
			rt.notices.success("Payment received, content unlocked")
		},
		OnError: func(err error) {
			rt.notices.error("purchase failed", err)
		},
		Refresh: func(ctx context.Context) error {
			return a.refreshSession(ctx, rt)
		},
	}
	flow, err := a.payments.Start(r.Context(), payments.Request{
		Kind:    req.Kind,
		ItemID:  req.ID,
		UserID:  user.ID,
		Address: a.cfg.Payments.LightningAddress,
		Amount:  price,
		Comment: string(req.Kind) + " " + req.ID,
	}, cb)
	if err != nil {
		util.RespondError(w, http.StatusBadGateway, sanitizeErrorForUser("start purchase", err))
		return
	}
	if !rt.addFlow(flow) {
		flow.Close()
		util.RespondServiceUnavailable(w, "session closed")
		return
	}
	util.WriteJSON(w, http.StatusCreated, flowResponse(flow))
}

func (a *app) handlePurchaseStatus(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	f := rt.flow(r.PathValue("flow"))
	if f == nil {
		util.RespondNotFound(w, "unknown purchase")
		return
	}
	util.WriteJSON(w, http.StatusOK, flowResponse(f))
}

// handleOpenPurchase starts polling under the session's lifetime, not the request's.
func (a *app) handleOpenPurchase(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	f := rt.flow(r.PathValue("flow"))
	if f == nil {
		util.RespondNotFound(w, "unknown purchase")
		return
	}
	if err := f.Open(rt.ctx); err != nil {
		util.RespondError(w, http.StatusConflict, "purchase is closed")
		return
	}
	util.WriteJSON(w, http.StatusOK, flowResponse(f))
}

func (a *app) handleClosePurchase(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	f := rt.removeFlow(r.PathValue("flow"))
	if f == nil {
		util.RespondNotFound(w, "unknown purchase")
		return
	}
	f.Close()
	util.WriteJSON(w, http.StatusOK, flowResponse(f))
}

// =============================================================================
// Subscriptions
// =============================================================================

func (a *app) subscriptionCallbacks(rt *sessionRuntime) subscription.Callbacks {
	return subscription.Callbacks{
		OnSuccess: func() {
			rt.setSubscriptionOutcome("success")
			rt.notices.success("Subscription active")
		},
		OnError: func(err error) {
			rt.setSubscriptionOutcome("error")
			rt.notices.error("subscription failed", err)
		},
		SetProcessing: rt.setProcessing,
		Refresh: func(ctx context.Context) error {
			return a.refreshSession(ctx, rt)
		},
	}
}

// startSubscription checks the session may subscribe and claims its single
// subscription slot.
func startSubscription(w http.ResponseWriter, rt *sessionRuntime) (*types.User, bool) {
	user, ok := requireUser(w, rt)
	if !ok {
		return nil, false
	}
	if user.Subscribed() {
		util.RespondError(w, http.StatusConflict, "already subscribed")
		return nil, false
	}
	if !rt.beginSubscription() {
		util.RespondError(w, http.StatusConflict, "subscription already in progress")
		return nil, false
	}
	return user, true
}

// handleSubscribe starts a budgeted wallet connection and answers with the
// authorization URL. Approval and payment continue in the background.
func (a *app) handleSubscribe(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	if a.connector == nil {
		util.RespondNotFound(w, "wallet connections are not configured")
		return
	}
	user, ok := startSubscription(w, rt)
	if !ok {
		return
	}

	urlCh := make(chan string, 1)
	done := make(chan error, 1)
	cb := a.subscriptionCallbacks(rt)
	cb.OnAuthorizationURL = func(u string) {
		rt.setAuthorizationURL(u)
		urlCh <- u
	}
	go func() {
		done <- a.subscriptions.SubscribeWithNewConnection(rt.ctx, user.ID, cb)
	}()

	select {
	case u := <-urlCh:
		util.WriteJSON(w, http.StatusAccepted, map[string]string{"authorizationUrl": u})
	case err := <-done:
		util.RespondError(w, http.StatusBadGateway, sanitizeErrorForUser("subscribe", err))
	case <-time.After(authorizationWait):
		util.RespondError(w, http.StatusGatewayTimeout, "wallet connection not ready")
	}
}

type subscribeWithURLRequest struct {
	NWCURL string `json:"nwcUrl"`
}

// handleSubscribeWithURL pays with a pasted connection URL in the background.
func (a *app) handleSubscribeWithURL(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	var req subscribeWithURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NWCURL == "" {
		util.RespondBadRequest(w, "nwcUrl is required")
		return
	}
	if _, err := nwc.ParseURI(req.NWCURL); err != nil {
		util.RespondBadRequest(w, "invalid wallet connection URL")
		return
	}
	user, ok := startSubscription(w, rt)
	if !ok {
		return
	}
	go func() {
		_ = a.subscriptions.SubscribeWithURL(rt.ctx, user.ID, req.NWCURL, a.subscriptionCallbacks(rt))
	}()
	util.WriteJSON(w, http.StatusAccepted, rt.subStatus())
}

type subscriptionStatusResponse struct {
	subscriptionStatus
	Subscribed bool `json:"subscribed"`
}

func (a *app) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	util.WriteJSON(w, http.StatusOK, subscriptionStatusResponse{
		subscriptionStatus: rt.subStatus(),
		Subscribed:         rt.User().Subscribed(),
	})
}

func (a *app) handleCancelSubscription(w http.ResponseWriter, r *http.Request, rt *sessionRuntime) {
	user, ok := requireUser(w, rt)
	if !ok {
		return
	}
	if err := a.subscriptions.Cancel(r.Context(), user.ID); err != nil {
		util.RespondError(w, http.StatusBadGateway, sanitizeErrorForUser("cancel subscription", err))
		return
	}
	if err := a.refreshSession(r.Context(), rt); err != nil {
		requestLogger(r.Context()).Warn("refresh after cancel failed", "error", err)
	}
	rt.notices.info("Subscription cancelled")
	util.WriteJSON(w, http.StatusOK, subscriptionStatusResponse{subscriptionStatus: rt.subStatus(), Subscribed: false})
}

// handleNWCCallback receives the wallet's approval redirect. The pending
// connection is identified by the client pubkey carried in return_to.
func (a *app) handleNWCCallback(w http.ResponseWriter, r *http.Request) {
	if a.connector == nil {
		util.RespondNotFound(w, "wallet connections are not configured")
		return
	}
	q := r.URL.Query()
	err := a.connector.Approve(q.Get("client"), q.Get("pubkey"), q.Get("relay"), q.Get("lud16"))
	switch {
	case errors.Is(err, nwc.ErrUnknownConnection):
		util.RespondNotFound(w, "connection request expired or unknown")
	case err != nil:
		requestLogger(r.Context()).Warn("wallet approval rejected",
			"relay", util.TruncateString(q.Get("relay"), 80),
			"error", err)
		util.RespondBadRequest(w, "invalid wallet approval")
	default:
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "approved"})
	}
}
