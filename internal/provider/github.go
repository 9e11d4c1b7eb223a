package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marksync/internal/apierr"
)

const (
	githubAuthorizeURL = "https://github.com/login/oauth/authorize"
	githubTokenURL     = "https://github.com/login/oauth/access_token"
	githubAPIBase      = "https://api.github.com"

	githubAcceptJSON = "application/vnd.github+json"
)

var githubDefaultScopes = []string{"repo", "read:user"}

// GitHub implements Adapter against github.com. Quirk: API calls use the
// "token" authorization scheme and token exchange returns 200 even on
// failure, signalling errors inside the JSON body.
type GitHub struct {
	rest *restClient

	// endpoint overrides, set by tests only
	overrideToken string
	overrideAPI   string
}

func NewGitHub(classifier *apierr.Classifier) *GitHub {
	return &GitHub{rest: newRESTClient(classifier)}
}

func (g *GitHub) Name() string { return "github" }

func (g *GitHub) AuthorizationURL(cfg Config, codeChallenge, state string) (string, error) {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = githubDefaultScopes
	}

	params := url.Values{}
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")

	return githubAuthorizeURL + "?" + params.Encode(), nil
}

func (g *GitHub) ExchangeCode(ctx context.Context, cfg Config, code, codeVerifier string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", cfg.RedirectURI)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	status, body, err := g.rest.postForm(ctx, g.tokenURL(), header, form, "github token exchange")
	if err != nil {
		return nil, err
	}
	return parseTokenResponse(status, body)
}

// authHeader uses the legacy "token" scheme github.com still documents for
// OAuth app tokens.
func (g *GitHub) authHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "token "+token)
	h.Set("Accept", githubAcceptJSON)
	return h
}

func (g *GitHub) FetchUser(ctx context.Context, accessToken string) (*UserProfile, error) {
	body, _, err := g.rest.doJSON(ctx, http.MethodGet, g.apiBase()+"/user", g.authHeader(accessToken), nil, "github user")
	if err != nil {
		return nil, &UserInfoFetchError{Provider: g.Name(), Err: err}
	}

	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
		HTMLURL   string `json:"html_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &UserInfoFetchError{Provider: g.Name(), Err: err}
	}

	return &UserProfile{
		ID:         strconv.FormatInt(payload.ID, 10),
		Username:   payload.Login,
		Name:       payload.Name,
		Email:      payload.Email,
		AvatarURL:  payload.AvatarURL,
		ProfileURL: payload.HTMLURL,
		Provider:   g.Name(),
		Raw:        body,
	}, nil
}

func (g *GitHub) ListRepositories(ctx context.Context, accessToken string, opts ListOptions) ([]RepoSummary, error) {
	query := url.Values{}
	query.Set("sort", "updated")
	query.Set("page", strconv.Itoa(max(opts.Page, 1)))
	query.Set("per_page", strconv.Itoa(clampPerPage(opts.PerPage)))

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, g.apiBase()+"/user/repos?"+query.Encode(), g.authHeader(accessToken), nil, "github repos")
	if err != nil {
		return nil, err
	}

	var payload []githubRepo
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse repositories: %w", err)
	}

	repos := make([]RepoSummary, len(payload))
	for i, r := range payload {
		repos[i] = r.summary()
	}
	return repos, nil
}

func (g *GitHub) CreateRepository(ctx context.Context, accessToken string, spec RepoSpec) (*RepoSummary, error) {
	payload, _ := json.Marshal(map[string]any{
		"name":        spec.Name,
		"description": spec.Description,
		"private":     spec.Private,
		"auto_init":   spec.AutoInit,
	})

	header := g.authHeader(accessToken)
	header.Set("Content-Type", "application/json")

	body, _, err := g.rest.doJSON(ctx, http.MethodPost, g.apiBase()+"/user/repos", header, payload, "github create repo")
	if err != nil {
		return nil, err
	}

	var repo githubRepo
	if err := json.Unmarshal(body, &repo); err != nil {
		return nil, fmt.Errorf("failed to parse created repository: %w", err)
	}
	summary := repo.summary()
	return &summary, nil
}

func (g *GitHub) GetFileContent(ctx context.Context, accessToken string, ref FileRef) (*FileContent, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		g.apiBase(), url.PathEscape(ref.Owner), url.PathEscape(ref.Repo), escapeRepoPath(ref.Path))
	if ref.Ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref.Ref)
	}

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, endpoint, g.authHeader(accessToken), nil, "github get file")
	if err != nil {
		return nil, err
	}
	return parseGitHubContent(body)
}

func (g *GitHub) UpdateFile(ctx context.Context, accessToken string, update FileUpdate) (*FileContent, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		g.apiBase(), url.PathEscape(update.Owner), url.PathEscape(update.Repo), escapeRepoPath(update.Path))

	reqPayload := map[string]any{
		"message": update.Message,
		"content": base64.StdEncoding.EncodeToString(update.Content),
	}
	if update.Branch != "" {
		reqPayload["branch"] = update.Branch
	}
	if update.SHA != "" {
		reqPayload["sha"] = update.SHA
	}
	payload, _ := json.Marshal(reqPayload)

	header := g.authHeader(accessToken)
	header.Set("Content-Type", "application/json")

	body, _, err := g.rest.doJSON(ctx, http.MethodPut, endpoint, header, payload, "github update file")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Content struct {
			Path string `json:"path"`
			SHA  string `json:"sha"`
			Size int    `json:"size"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}
	return &FileContent{Path: resp.Content.Path, SHA: resp.Content.SHA, Size: resp.Content.Size}, nil
}

func (g *GitHub) ListBranches(ctx context.Context, accessToken, owner, repo string) ([]Branch, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/branches", g.apiBase(), url.PathEscape(owner), url.PathEscape(repo))

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, endpoint, g.authHeader(accessToken), nil, "github branches")
	if err != nil {
		return nil, err
	}

	var payload []struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse branches: %w", err)
	}

	branches := make([]Branch, len(payload))
	for i, b := range payload {
		branches[i] = Branch{Name: b.Name, Commit: b.Commit.SHA}
	}
	return branches, nil
}

// tokenURL and apiBase exist so tests can point the adapter at a stub host.
func (g *GitHub) tokenURL() string {
	if g.overrideToken != "" {
		return g.overrideToken
	}
	return githubTokenURL
}

func (g *GitHub) apiBase() string {
	if g.overrideAPI != "" {
		return g.overrideAPI
	}
	return githubAPIBase
}

type githubRepo struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Description   string    `json:"description"`
	Private       bool      `json:"private"`
	DefaultBranch string    `json:"default_branch"`
	HTMLURL       string    `json:"html_url"`
	UpdatedAt     time.Time `json:"updated_at"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (r githubRepo) summary() RepoSummary {
	branch := r.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return RepoSummary{
		ID:            strconv.FormatInt(r.ID, 10),
		Name:          r.Name,
		FullName:      r.FullName,
		Owner:         r.Owner.Login,
		Description:   r.Description,
		Private:       r.Private,
		DefaultBranch: branch,
		URL:           r.HTMLURL,
		UpdatedAt:     r.UpdatedAt,
	}
}

// parseGitHubContent decodes the base64 content representation shared by
// github.com and Gitea-style forges.
func parseGitHubContent(body []byte) (*FileContent, error) {
	var payload struct {
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Size     int    `json:"size"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse file content: %w", err)
	}

	var content []byte
	if payload.Content != "" {
		// Hosts wrap base64 payloads with newlines.
		cleaned := strings.ReplaceAll(payload.Content, "\n", "")
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode file content: %w", err)
		}
		content = decoded
	}

	return &FileContent{
		Path:    payload.Path,
		SHA:     payload.SHA,
		Size:    payload.Size,
		Content: content,
	}, nil
}

// parseTokenResponse handles OAuth token endpoints that report errors in
// the body with a 200 status (github.com does).
func parseTokenResponse(status int, body []byte) (*Token, error) {
	var payload struct {
		AccessToken      string `json:"access_token"`
		TokenType        string `json:"token_type"`
		Scope            string `json:"scope"`
		RefreshToken     string `json:"refresh_token"`
		ExpiresIn        int    `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &TokenExchangeError{Status: status, ProviderMessage: "unparseable token response"}
	}

	if status < 200 || status >= 300 || payload.Error != "" {
		msg := payload.ErrorDescription
		if msg == "" {
			msg = payload.Error
		}
		return nil, &TokenExchangeError{Status: status, ProviderMessage: msg}
	}
	if payload.AccessToken == "" {
		return nil, &TokenExchangeError{Status: status, ProviderMessage: "response carried no access token"}
	}

	return &Token{
		AccessToken:  payload.AccessToken,
		TokenType:    payload.TokenType,
		Scope:        payload.Scope,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    payload.ExpiresIn,
	}, nil
}

// escapeRepoPath escapes each path segment while keeping separators.
func escapeRepoPath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func clampPerPage(n int) int {
	if n <= 0 {
		return 50
	}
	if n > 100 {
		return 100
	}
	return n
}
