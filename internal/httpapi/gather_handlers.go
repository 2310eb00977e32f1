package httpapi

import (
	"net/http"
	"net/url"

	"umagate.org/internal/uma"
)

const gatherSessionCookie = "uma_gather_session"

// handleGather drives the interactive claims-gathering flow. GET opens or
// resumes a session and renders the current step; POST submits step values.
func (a *API) handleGather(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.gatherStart(w, r)
	case http.MethodPost:
		a.gatherSubmit(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (a *API) gatherStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// A session cookie means the requesting party is mid-flow; re-render the
	// current step instead of opening a new session.
	if cookie, err := r.Cookie(gatherSessionCookie); err == nil && q.Get("ticket") == "" {
		sess, page, err := a.gather.Resume(r.Context(), cookie.Value)
		if err != nil {
			a.clearSessionCookie(w)
			umaError(w, err)
			return
		}
		a.renderStep(w, sess, page)
		return
	}

	extra := url.Values{}
	for key, values := range q {
		switch key {
		case "client_id", "ticket", "state", "claims_redirect_uri":
			continue
		}
		extra[key] = values
	}
	sess, page, err := a.gather.Start(r.Context(),
		q.Get("client_id"), q.Get("ticket"), q.Get("state"), q.Get("claims_redirect_uri"), extra)
	if err != nil {
		umaError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     gatherSessionCookie,
		Value:    sess.ID,
		Path:     "/uma/gather",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	a.renderStep(w, sess, page)
}

func (a *API) gatherSubmit(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(gatherSessionCookie)
	if err != nil {
		umaError(w, uma.ErrInvalidTicket("no gathering session in progress"))
		return
	}
	if err := r.ParseForm(); err != nil {
		umaError(w, uma.ErrInvalidTicket("request body is not form-encoded"))
		return
	}

	result, err := a.gather.Submit(r.Context(), cookie.Value, r.PostForm)
	if err != nil {
		a.clearSessionCookie(w)
		umaError(w, err)
		return
	}
	if result.Done {
		a.clearSessionCookie(w)
		http.Redirect(w, r, result.Redirect, http.StatusFound)
		return
	}
	sess, _, rerr := a.gather.Resume(r.Context(), cookie.Value)
	if rerr != nil {
		umaError(w, rerr)
		return
	}
	a.renderStep(w, sess, result.Page)
}

// renderStep answers with the step descriptor. Page rendering itself belongs
// to the deployment's front end; the API exposes what to render.
func (a *API) renderStep(w http.ResponseWriter, sess *uma.Session, page string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess.ID,
		"step":    sess.Step,
		"page":    page,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   gatherSessionCookie,
		Value:  "",
		Path:   "/uma/gather",
		MaxAge: -1,
	})
}
