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

// GenericGit implements Adapter for self-hosted forges with a GitHub-shaped
// contents API, most notably Gitea and Forgejo. Unlike the hosted adapters
// it has no compiled-in endpoints: every URL is derived from the base URL
// and path templates captured at construction, so one adapter type covers
// any compatible installation.
type GenericGit struct {
	rest *restClient
	cfg  Config
}

func NewGenericGit(classifier *apierr.Classifier, cfg Config) (*GenericGit, error) {
	if _, err := genericBase(cfg); err != nil {
		return nil, err
	}
	return &GenericGit{rest: newRESTClient(classifier), cfg: cfg}, nil
}

func (g *GenericGit) Name() string { return "generic" }

func (g *GenericGit) AuthorizationURL(cfg Config, codeChallenge, state string) (string, error) {
	base, err := genericBase(cfg)
	if err != nil {
		return "", err
	}
	authorizePath := cfg.AuthorizePath
	if authorizePath == "" {
		authorizePath = "/login/oauth/authorize"
	}

	params := url.Values{}
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("response_type", "code")
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	if len(cfg.Scopes) > 0 {
		params.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	return base + authorizePath + "?" + params.Encode(), nil
}

func (g *GenericGit) ExchangeCode(ctx context.Context, cfg Config, code, codeVerifier string) (*Token, error) {
	base, err := genericBase(cfg)
	if err != nil {
		return nil, err
	}
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		tokenPath = "/login/oauth/access_token"
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", cfg.RedirectURI)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	status, body, err := g.rest.postForm(ctx, base+tokenPath, header, form, "generic token exchange")
	if err != nil {
		return nil, err
	}
	return parseTokenResponse(status, body)
}

func (g *GenericGit) FetchUser(ctx context.Context, accessToken string) (*UserProfile, error) {
	apiBase, err := g.apiBase()
	if err != nil {
		return nil, &UserInfoFetchError{Provider: g.Name(), Err: err}
	}

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, apiBase+"/user", bearerHeader(accessToken), nil, "generic user")
	if err != nil {
		return nil, &UserInfoFetchError{Provider: g.Name(), Err: err}
	}

	var payload struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		FullName  string `json:"full_name"`
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
		Name:       payload.FullName,
		Email:      payload.Email,
		AvatarURL:  payload.AvatarURL,
		ProfileURL: payload.HTMLURL,
		Provider:   g.Name(),
		Raw:        body,
	}, nil
}

func (g *GenericGit) ListRepositories(ctx context.Context, accessToken string, opts ListOptions) ([]RepoSummary, error) {
	apiBase, err := g.apiBase()
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(max(opts.Page, 1)))
	query.Set("limit", strconv.Itoa(clampPerPage(opts.PerPage)))

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, apiBase+"/user/repos?"+query.Encode(), bearerHeader(accessToken), nil, "generic repositories")
	if err != nil {
		return nil, err
	}

	var payload []genericRepo
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse repositories: %w", err)
	}

	repos := make([]RepoSummary, len(payload))
	for i, r := range payload {
		repos[i] = r.summary()
	}
	return repos, nil
}

func (g *GenericGit) CreateRepository(ctx context.Context, accessToken string, spec RepoSpec) (*RepoSummary, error) {
	apiBase, err := g.apiBase()
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"name":        spec.Name,
		"description": spec.Description,
		"private":     spec.Private,
		"auto_init":   spec.AutoInit,
	})

	header := bearerHeader(accessToken)
	header.Set("Content-Type", "application/json")

	body, _, err := g.rest.doJSON(ctx, http.MethodPost, apiBase+"/user/repos", header, payload, "generic create repository")
	if err != nil {
		return nil, err
	}

	var repo genericRepo
	if err := json.Unmarshal(body, &repo); err != nil {
		return nil, fmt.Errorf("failed to parse created repository: %w", err)
	}
	summary := repo.summary()
	return &summary, nil
}

func (g *GenericGit) GetFileContent(ctx context.Context, accessToken string, ref FileRef) (*FileContent, error) {
	apiBase, err := g.apiBase()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		apiBase, url.PathEscape(ref.Owner), url.PathEscape(ref.Repo), escapeRepoPath(ref.Path))
	if ref.Ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref.Ref)
	}

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, endpoint, bearerHeader(accessToken), nil, "generic get file")
	if err != nil {
		return nil, err
	}
	return parseGitHubContent(body)
}

func (g *GenericGit) UpdateFile(ctx context.Context, accessToken string, update FileUpdate) (*FileContent, error) {
	apiBase, err := g.apiBase()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		apiBase, url.PathEscape(update.Owner), url.PathEscape(update.Repo), escapeRepoPath(update.Path))

	req := map[string]any{
		"message": update.Message,
		"content": base64.StdEncoding.EncodeToString(update.Content),
	}
	if update.Branch != "" {
		req["branch"] = update.Branch
	}
	if update.SHA != "" {
		req["sha"] = update.SHA
	}
	payload, _ := json.Marshal(req)

	header := bearerHeader(accessToken)
	header.Set("Content-Type", "application/json")

	// Gitea creates with POST and updates with PUT, keyed on whether a
	// sha is supplied.
	method := http.MethodPut
	if update.SHA == "" {
		method = http.MethodPost
	}

	body, _, err := g.rest.doJSON(ctx, method, endpoint, header, payload, "generic update file")
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

	return &FileContent{
		Path: resp.Content.Path,
		SHA:  resp.Content.SHA,
		Size: resp.Content.Size,
	}, nil
}

func (g *GenericGit) ListBranches(ctx context.Context, accessToken, owner, repo string) ([]Branch, error) {
	apiBase, err := g.apiBase()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/branches", apiBase, url.PathEscape(owner), url.PathEscape(repo))
	body, _, err := g.rest.doJSON(ctx, http.MethodGet, endpoint, bearerHeader(accessToken), nil, "generic branches")
	if err != nil {
		return nil, err
	}

	var payload []struct {
		Name   string `json:"name"`
		Commit struct {
			ID string `json:"id"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse branches: %w", err)
	}

	branches := make([]Branch, len(payload))
	for i, b := range payload {
		branches[i] = Branch{Name: b.Name, Commit: b.Commit.ID}
	}
	return branches, nil
}

func (g *GenericGit) apiBase() (string, error) {
	base, err := genericBase(g.cfg)
	if err != nil {
		return "", err
	}
	apiPath := g.cfg.APIPath
	if apiPath == "" {
		apiPath = "/api/v1"
	}
	return base + apiPath, nil
}

func genericBase(cfg Config) (string, error) {
	if cfg.BaseURL == "" {
		return "", fmt.Errorf("generic provider requires a base URL")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	return strings.TrimRight(cfg.BaseURL, "/"), nil
}

type genericRepo struct {
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

func (r genericRepo) summary() RepoSummary {
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
