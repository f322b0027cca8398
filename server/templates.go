package server

import (
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
)

const (
	tmplLogin    = "login.html"
	tmplPassword = "password.html"
	tmplApproval = "approval.html"
	tmplError    = "error.html"
)

// webConfig holds the resolved inputs loadWebConfig needs to build the
// server's login/approval/error pages and serve their static assets.
type webConfig struct {
	webFS     fs.FS
	logoURL   string
	issuerURL string
	issuer    string
	theme     string
	extra     map[string]string
}

type templates struct {
	loginTmpl    *template.Template
	passwordTmpl *template.Template
	approvalTmpl *template.Template
	errorTmpl    *template.Template
}

// loadWebConfig parses the server's templates out of c.webFS and returns
// handlers for the static and theme asset trees plus a robots.txt handler.
func loadWebConfig(c webConfig) (http.Handler, http.Handler, http.HandlerFunc, *templates, error) {
	if c.theme == "" {
		c.theme = "light"
	}
	if c.issuer == "" {
		c.issuer = "cim"
	}
	if c.logoURL == "" {
		c.logoURL = "theme/logo.png"
	}

	funcs := template.FuncMap{
		"issuer": func() string { return c.issuer },
		"logo":   func() string { return c.logoURL },
		"url":    func(reqPath, assetPath string) string { return relativeURL(c.issuerURL, reqPath, assetPath) },
		"theme": func(reqPath, assetPath string) string {
			return relativeURL(c.issuerURL, reqPath, path.Join("themes", c.theme, assetPath))
		},
		"lower": strings.ToLower,
		"extra": func(k string) string { return c.extra[k] },
	}

	group := template.New("")

	loginTmpl, err := loadTemplate(c.webFS, tmplLogin, funcs, group)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	passwordTmpl, err := loadTemplate(c.webFS, tmplPassword, funcs, group)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	approvalTmpl, err := loadTemplate(c.webFS, tmplApproval, funcs, group)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	errorTmpl, err := loadTemplate(c.webFS, tmplError, funcs, group)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	staticFS, err := fs.Sub(c.webFS, "static")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("server: no static assets: %v", err)
	}
	themeFS, err := fs.Sub(c.webFS, path.Join("themes", c.theme))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("server: no theme assets: %v", err)
	}

	robots := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /\n")
	}

	return http.FileServer(http.FS(staticFS)), http.FileServer(http.FS(themeFS)), robots, &templates{
		loginTmpl:    loginTmpl,
		passwordTmpl: passwordTmpl,
		approvalTmpl: approvalTmpl,
		errorTmpl:    errorTmpl,
	}, nil
}

func loadTemplate(webFS fs.FS, name string, funcs template.FuncMap, group *template.Template) (*template.Template, error) {
	contents, err := fs.ReadFile(webFS, path.Join("templates", name))
	if err != nil {
		return nil, fmt.Errorf("server: failed to read template %s: %v", name, err)
	}
	return group.New(name).Funcs(funcs).Parse(string(contents))
}

// relativeURL returns the URL of the asset relative to the URL of the request path.
//
// eg
// server listens at localhost/dex so serverPath is dex
// reqPath is /dex/auth
// assetPath is static/main.css
// relativeURL("/dex", "/dex/auth", "static/main.css") = "../static/main.css"
func relativeURL(serverPath, reqPath, assetPath string) string {
	if u, err := url.ParseRequestURI(assetPath); err == nil && u.Scheme != "" {
		return assetPath
	}

	splitPath := func(p string) []string {
		var res []string
		for _, part := range strings.Split(path.Clean(p), "/") {
			if part != "" {
				res = append(res, part)
			}
		}
		return res
	}

	stripCommonParts := func(s1, s2 []string) ([]string, []string) {
		min := len(s1)
		if len(s2) < min {
			min = len(s2)
		}
		splitIndex := min
		for i := 0; i < min; i++ {
			if s1[i] != s2[i] {
				splitIndex = i
				break
			}
		}
		return s1[splitIndex:], s2[splitIndex:]
	}

	server, req, asset := splitPath(serverPath), splitPath(reqPath), splitPath(assetPath)
	_, req = stripCommonParts(server, req)
	asset, req = stripCommonParts(asset, req)

	var rel string
	for i := 0; i < len(req)-1; i++ {
		rel = path.Join("..", rel)
	}
	return path.Join(rel, path.Join(asset...))
}

var scopeDescriptions = map[string]string{
	"offline_access": "Have offline access",
	"profile":        "View basic profile information",
	"email":          "View your email address",
}

type connectorInfo struct {
	ID   string
	Name string
	URL  string
	Type string
}

type byName []connectorInfo

func (n byName) Len() int           { return len(n) }
func (n byName) Less(i, j int) bool { return n[i].Name < n[j].Name }
func (n byName) Swap(i, j int)      { n[i], n[j] = n[j], n[i] }

func (t *templates) login(r *http.Request, w http.ResponseWriter, connectors []connectorInfo) error {
	sort.Sort(byName(connectors))
	data := struct {
		Connectors []connectorInfo
		ReqPath    string
	}{connectors, r.URL.Path}
	return renderTemplate(w, t.loginTmpl, data)
}

func (t *templates) password(r *http.Request, w http.ResponseWriter, postURL, lastUsername, usernamePrompt string, lastWasInvalid, showBacklink bool) error {
	data := struct {
		PostURL        string
		BackLink       bool
		Username       string
		UsernamePrompt string
		Invalid        bool
		ReqPath        string
	}{postURL, showBacklink, lastUsername, usernamePrompt, lastWasInvalid, r.URL.Path}
	return renderTemplate(w, t.passwordTmpl, data)
}

func (t *templates) approval(r *http.Request, w http.ResponseWriter, authReqID, username, clientName string, scopes []string) error {
	var accesses []string
	for _, scope := range scopes {
		if access, ok := scopeDescriptions[scope]; ok {
			accesses = append(accesses, access)
		}
	}
	sort.Strings(accesses)
	data := struct {
		User      string
		Client    string
		AuthReqID string
		Scopes    []string
		ReqPath   string
	}{username, clientName, authReqID, accesses, r.URL.Path}
	return renderTemplate(w, t.approvalTmpl, data)
}

func (t *templates) err(r *http.Request, w http.ResponseWriter, errCode int, errMsg string) error {
	w.WriteHeader(errCode)
	data := struct {
		ErrType string
		ErrMsg  string
		ReqPath string
	}{http.StatusText(errCode), errMsg, r.URL.Path}
	if err := t.errorTmpl.Execute(w, data); err != nil {
		return fmt.Errorf("rendering template %s failed: %s", t.errorTmpl.Name(), err)
	}
	return nil
}

// renderError writes a user-facing error page. The description is not
// sanitized: callers must only pass static or otherwise safe messages,
// never raw user input or internal error text.
func (s *Server) renderError(r *http.Request, w http.ResponseWriter, status int, description string) {
	if err := s.templates.err(r, w, status, description); err != nil {
		s.logger.ErrorContext(r.Context(), "server template error", "err", err)
	}
}

type writeRecorder struct {
	wrote bool
	w     io.Writer
}

func (w *writeRecorder) Write(p []byte) (n int, err error) {
	w.wrote = true
	return w.w.Write(p)
}

func renderTemplate(w http.ResponseWriter, tmpl *template.Template, data interface{}) error {
	wr := &writeRecorder{w: w}
	if err := tmpl.Execute(wr, data); err != nil {
		if !wr.wrote {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return fmt.Errorf("rendering template %s failed: %s", tmpl.Name(), err)
	}
	return nil
}
