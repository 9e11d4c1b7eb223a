package provider

import (
	"context"
	"crypto/sha256"
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
	gitlabAuthorizeURL = "https://gitlab.com/oauth/authorize"
	gitlabTokenURL     = "https://gitlab.com/oauth/token"
	gitlabAPIBase      = "https://gitlab.com/api/v4"
)

var gitlabDefaultScopes = []string{"api", "read_user"}

// GitLab implements Adapter against gitlab.com. Quirks: the authorization
// URL requires an explicit response_type=code parameter, projects are
// addressed by URL-encoded "owner/repo" paths, and file writes commit
// directly against a branch head instead of a content sha.
type GitLab struct {
	rest *restClient

	overrideToken string
	overrideAPI   string
}

func NewGitLab(classifier *apierr.Classifier) *GitLab {
	return &GitLab{rest: newRESTClient(classifier)}
}

func (g *GitLab) Name() string { return "gitlab" }

func (g *GitLab) AuthorizationURL(cfg Config, codeChallenge, state string) (string, error) {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = gitlabDefaultScopes
	}

	params := url.Values{}
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")

	return gitlabAuthorizeURL + "?" + params.Encode(), nil
}

func (g *GitLab) ExchangeCode(ctx context.Context, cfg Config, code, codeVerifier string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", cfg.RedirectURI)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	status, body, err := g.rest.postForm(ctx, g.tokenURL(), nil, form, "gitlab token exchange")
	if err != nil {
		return nil, err
	}
	return parseTokenResponse(status, body)
}

func (g *GitLab) FetchUser(ctx context.Context, accessToken string) (*UserProfile, error) {
	body, _, err := g.rest.doJSON(ctx, http.MethodGet, g.apiBase()+"/user", bearerHeader(accessToken), nil, "gitlab user")
	if err != nil {
		return nil, &UserInfoFetchError{Provider: g.Name(), Err: err}
	}

	var payload struct {
		ID          int64  `json:"id"`
		Username    string `json:"username"`
		Name        string `json:"name"`
		PublicEmail string `json:"public_email"`
		AvatarURL   string `json:"avatar_url"`
		WebURL      string `json:"web_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &UserInfoFetchError{Provider: g.Name(), Err: err}
	}

	return &UserProfile{
		ID:         strconv.FormatInt(payload.ID, 10),
		Username:   payload.Username,
		Name:       payload.Name,
		Email:      payload.PublicEmail,
		AvatarURL:  payload.AvatarURL,
		ProfileURL: payload.WebURL,
		Provider:   g.Name(),
		Raw:        body,
	}, nil
}

func (g *GitLab) ListRepositories(ctx context.Context, accessToken string, opts ListOptions) ([]RepoSummary, error) {
	query := url.Values{}
	query.Set("membership", "true")
	query.Set("order_by", "last_activity_at")
	query.Set("page", strconv.Itoa(max(opts.Page, 1)))
	query.Set("per_page", strconv.Itoa(clampPerPage(opts.PerPage)))

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, g.apiBase()+"/projects?"+query.Encode(), bearerHeader(accessToken), nil, "gitlab projects")
	if err != nil {
		return nil, err
	}

	var payload []gitlabProject
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse projects: %w", err)
	}

	repos := make([]RepoSummary, len(payload))
	for i, p := range payload {
		repos[i] = p.summary()
	}
	return repos, nil
}

func (g *GitLab) CreateRepository(ctx context.Context, accessToken string, spec RepoSpec) (*RepoSummary, error) {
	visibility := "public"
	if spec.Private {
		visibility = "private"
	}
	payload, _ := json.Marshal(map[string]any{
		"name":                   spec.Name,
		"description":            spec.Description,
		"visibility":             visibility,
		"initialize_with_readme": spec.AutoInit,
	})

	header := bearerHeader(accessToken)
	header.Set("Content-Type", "application/json")

	body, _, err := g.rest.doJSON(ctx, http.MethodPost, g.apiBase()+"/projects", header, payload, "gitlab create project")
	if err != nil {
		return nil, err
	}

	var project gitlabProject
	if err := json.Unmarshal(body, &project); err != nil {
		return nil, fmt.Errorf("failed to parse created project: %w", err)
	}
	summary := project.summary()
	return &summary, nil
}

func (g *GitLab) GetFileContent(ctx context.Context, accessToken string, ref FileRef) (*FileContent, error) {
	branch := ref.Ref
	if branch == "" {
		branch = "main"
	}
	endpoint := fmt.Sprintf("%s/projects/%s/repository/files/%s?ref=%s",
		g.apiBase(), gitlabProjectID(ref.Owner, ref.Repo), url.PathEscape(ref.Path), url.QueryEscape(branch))

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, endpoint, bearerHeader(accessToken), nil, "gitlab get file")
	if err != nil {
		return nil, err
	}

	var payload struct {
		FilePath      string `json:"file_path"`
		Size          int    `json:"size"`
		Content       string `json:"content"`
		ContentSHA256 string `json:"content_sha256"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse file content: %w", err)
	}

	content, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode file content: %w", err)
	}

	return &FileContent{
		Path:    payload.FilePath,
		SHA:     payload.ContentSHA256,
		Size:    payload.Size,
		Content: content,
	}, nil
}

func (g *GitLab) UpdateFile(ctx context.Context, accessToken string, update FileUpdate) (*FileContent, error) {
	branch := update.Branch
	if branch == "" {
		branch = "main"
	}
	endpoint := fmt.Sprintf("%s/projects/%s/repository/files/%s",
		g.apiBase(), gitlabProjectID(update.Owner, update.Repo), url.PathEscape(update.Path))

	payload, _ := json.Marshal(map[string]any{
		"branch":         branch,
		"encoding":       "base64",
		"content":        base64.StdEncoding.EncodeToString(update.Content),
		"commit_message": update.Message,
	})

	header := bearerHeader(accessToken)
	header.Set("Content-Type", "application/json")

	// GitLab creates with POST and updates with PUT on the same path; PUT
	// on a missing file is the only case needing the fallback.
	method := http.MethodPut
	if update.SHA == "" {
		method = http.MethodPost
	}

	body, _, err := g.rest.doJSON(ctx, method, endpoint, header, payload, "gitlab update file")
	if err != nil {
		if classified, ok := err.(*apierr.ClassifiedError); ok && method == http.MethodPost && classified.Status == http.StatusBadRequest {
			// File already exists: retry as an update.
			body, _, err = g.rest.doJSON(ctx, http.MethodPut, endpoint, header, payload, "gitlab update file")
		}
		if err != nil {
			return nil, err
		}
	}

	var resp struct {
		FilePath string `json:"file_path"`
		Branch   string `json:"branch"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}

	// GitLab has no per-file sha handle; the content hash is the stable
	// reference the sync layer stores.
	return &FileContent{
		Path: resp.FilePath,
		SHA:  fmt.Sprintf("%x", sha256.Sum256(update.Content)),
	}, nil
}

func (g *GitLab) ListBranches(ctx context.Context, accessToken, owner, repo string) ([]Branch, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/repository/branches", g.apiBase(), gitlabProjectID(owner, repo))

	body, _, err := g.rest.doJSON(ctx, http.MethodGet, endpoint, bearerHeader(accessToken), nil, "gitlab branches")
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

func (g *GitLab) tokenURL() string {
	if g.overrideToken != "" {
		return g.overrideToken
	}
	return gitlabTokenURL
}

func (g *GitLab) apiBase() string {
	if g.overrideAPI != "" {
		return g.overrideAPI
	}
	return gitlabAPIBase
}

// gitlabProjectID encodes "owner/repo" as a single path segment, the way
// the GitLab API addresses projects.
func gitlabProjectID(owner, repo string) string {
	return url.PathEscape(owner + "/" + repo)
}

type gitlabProject struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	PathWithNamespace string    `json:"path_with_namespace"`
	Description       string    `json:"description"`
	Visibility        string    `json:"visibility"`
	DefaultBranch     string    `json:"default_branch"`
	WebURL            string    `json:"web_url"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	Namespace         struct {
		Path string `json:"path"`
	} `json:"namespace"`
}

func (p gitlabProject) summary() RepoSummary {
	branch := p.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return RepoSummary{
		ID:            strconv.FormatInt(p.ID, 10),
		Name:          p.Name,
		FullName:      p.PathWithNamespace,
		Owner:         p.Namespace.Path,
		Description:   p.Description,
		Private:       p.Visibility == "private",
		DefaultBranch: branch,
		URL:           p.WebURL,
		UpdatedAt:     p.LastActivityAt,
	}
}
