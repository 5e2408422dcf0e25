package api

import (
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-extractor/internal/extractor"
)

type captchaRequest struct {
	SiteKey string `json:"siteKey" validate:"required"`
	URL     string `json:"url" validate:"required,url"`
}

type solveRequest struct {
	Token string `json:"token" validate:"required"`
}

type captchaStatusResponse struct {
	ID      string                  `json:"id"`
	Status  extractor.CaptchaStatus `json:"status"`
	Token   string                  `json:"token,omitempty"`
	SiteKey string                  `json:"siteKey"`
}

type pendingCaptcha struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	SiteKey       string    `json:"siteKey"`
	CreatedAt     time.Time `json:"createdAt"`
	ResolutionURL string    `json:"resolutionUrl"`
}

func (s *Server) requestCaptcha(w http.ResponseWriter, r *http.Request) {
	var req captchaRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.captchas.CreateTask(r.Context(), req.SiteKey, req.URL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "resolutionUrl": s.captchas.ResolutionURL(id)})
}

func (s *Server) captchaStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, captchaStatusResponse{
		ID:      task.ID,
		Status:  task.Status,
		Token:   task.Token,
		SiteKey: task.SiteKey,
	})
}

func (s *Server) solveCaptcha(w http.ResponseWriter, r *http.Request) {
	var req solveRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.captchas.Submit(r.Context(), id, req.Token); err != nil {
		switch {
		case errors.Is(err, extractor.ErrCaptchaNotFound):
			writeError(w, http.StatusNotFound, "captcha request not found")
		case errors.Is(err, extractor.ErrCaptchaNotPending):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) pendingCaptchas(w http.ResponseWriter, r *http.Request) {
	pending, err := s.listPending(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) listPending(r *http.Request) ([]pendingCaptcha, error) {
	tasks, err := s.captchas.ListPending(r.Context())
	if err != nil {
		return nil, err
	}
	out := make([]pendingCaptcha, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, pendingCaptcha{
			ID:            task.ID,
			URL:           task.URL,
			SiteKey:       task.SiteKey,
			CreatedAt:     task.CreatedAt,
			ResolutionURL: s.captchas.ResolutionURL(task.ID),
		})
	}
	return out, nil
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (extractor.CaptchaTask, bool) {
	task, err := s.captchas.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, extractor.ErrCaptchaNotFound) {
			writeError(w, http.StatusNotFound, "captcha request not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return extractor.CaptchaTask{}, false
	}
	return task, true
}

var solveTemplate = template.Must(template.New("solve").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Solve captcha {{.ID}}</title>
<script src="https://js.hcaptcha.com/1/api.js" async defer></script>
</head>
<body>
<h1>Captcha for {{.URL}}</h1>
{{if eq .Status "pending"}}
<div class="h-captcha" data-sitekey="{{.SiteKey}}" data-callback="onSolved"></div>
<p id="result"></p>
<script>
function onSolved(token) {
  fetch({{.SubmitPath}}, {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({token: token})
  }).then(function (resp) {
    document.getElementById("result").textContent = resp.ok ? "Solved, thank you." : "Submission failed.";
  });
}
</script>
{{else}}
<p>This captcha is {{.Status}}.</p>
{{end}}
</body>
</html>
`))

var pendingTemplate = template.Must(template.New("pending").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Pending captchas</title></head>
<body>
<h1>Pending captchas</h1>
{{if .}}<ul>
{{range .}}<li><a href="{{.ResolutionURL}}">{{.ID}}</a> {{.URL}} ({{.CreatedAt.Format "15:04:05"}})</li>
{{end}}</ul>{{else}}<p>Nothing to solve.</p>{{end}}
</body>
</html>
`))

type solvePageData struct {
	extractor.CaptchaTask
	SubmitPath string
}

func (s *Server) solvePage(w http.ResponseWriter, r *http.Request) {
	task, err := s.captchas.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, extractor.ErrCaptchaNotFound) {
			http.Error(w, "captcha request not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("serving captcha solver", zap.String("captcha_id", task.ID), zap.String("site_key", task.SiteKey))
	s.renderHTML(w, solveTemplate, solvePageData{CaptchaTask: task, SubmitPath: "/captcha/solve/" + task.ID})
}

func (s *Server) pendingPage(w http.ResponseWriter, r *http.Request) {
	pending, err := s.listPending(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.renderHTML(w, pendingTemplate, pending)
}

func (s *Server) renderHTML(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		s.logger.Error("render page failed", zap.String("template", tmpl.Name()), zap.Error(err))
	}
}
