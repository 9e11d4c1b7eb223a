package provider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marksync/internal/apierr"
)

const (
	bitbucketAuthorizeURL = "https://bitbucket.org/site/oauth2/authorize"
	bitbucketTokenURL     = "https://bitbucket.org/site/oauth2/access_token"
	bitbucketAPIBase      = "https://api.bitbucket.org/2.0"
)

// Bitbucket implements Adapter against bitbucket.org. Quirks: the token
// endpoint wants HTTP Basic client credentials instead of form fields,
// the REST API nests results under a "values" key, and file reads from
// the src endpoint return raw bytes rather than a JSON envelope.
type Bitbucket struct {
	rest *restClient

	overrideToken string
	overrideAPI   string
}

func NewBitbucket(classifier *apierr.Classifier) *Bitbucket {
	return &Bitbucket{rest: newRESTClient(classifier)}
}

func (b *Bitbucket) Name() string { return "bitbucket" }

func (b *Bitbucket) AuthorizationURL(cfg Config, codeChallenge, state string) (string, error) {
	params := url.Values{}
	params.Set("client_id", cfg.ClientID)
	params.Set("response_type", "code")
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	if len(cfg.Scopes) > 0 {
		params.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	return bitbucketAuthorizeURL + "?" + params.Encode(), nil
}

func (b *Bitbucket) ExchangeCode(ctx context.Context, cfg Config, code, codeVerifier string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	header := http.Header{}
	creds := base64.StdEncoding.EncodeToString([]byte(cfg.ClientID + ":" + cfg.ClientSecret))
	header.Set("Authorization", "Basic "+creds)

	status, body, err := b.rest.postForm(ctx, b.tokenURL(), header, form, "bitbucket token exchange")
	if err != nil {
		return nil, err
	}
	return parseTokenResponse(status, body)
}

func (b *Bitbucket) FetchUser(ctx context.Context, accessToken string) (*UserProfile, error) {
	body, _, err := b.rest.doJSON(ctx, http.MethodGet, b.apiBase()+"/user", bearerHeader(accessToken), nil, "bitbucket user")
	if err != nil {
		return nil, &UserInfoFetchError{Provider: b.Name(), Err: err}
	}

	var payload struct {
		UUID        string `json:"uuid"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Links       struct {
			Avatar struct {
				Href string `json:"href"`
			} `json:"avatar"`
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &UserInfoFetchError{Provider: b.Name(), Err: err}
	}

	return &UserProfile{
		ID:         strings.Trim(payload.UUID, "{}"),
		Username:   payload.Username,
		Name:       payload.DisplayName,
		AvatarURL:  payload.Links.Avatar.Href,
		ProfileURL: payload.Links.HTML.Href,
		Provider:   b.Name(),
		Raw:        body,
	}, nil
}

func (b *Bitbucket) ListRepositories(ctx context.Context, accessToken string, opts ListOptions) ([]RepoSummary, error) {
	query := url.Values{}
	query.Set("role", "member")
	query.Set("sort", "-updated_on")
	query.Set("page", strconv.Itoa(max(opts.Page, 1)))
	query.Set("pagelen", strconv.Itoa(clampPerPage(opts.PerPage)))

	body, _, err := b.rest.doJSON(ctx, http.MethodGet, b.apiBase()+"/repositories?"+query.Encode(), bearerHeader(accessToken), nil, "bitbucket repositories")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Values []bitbucketRepo `json:"values"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse repositories: %w", err)
	}

	repos := make([]RepoSummary, len(payload.Values))
	for i, r := range payload.Values {
		repos[i] = r.summary()
	}
	return repos, nil
}

func (b *Bitbucket) CreateRepository(ctx context.Context, accessToken string, spec RepoSpec) (*RepoSummary, error) {
	// Repo creation needs a workspace; the authenticated user's username
	// doubles as the personal workspace slug.
	profile, err := b.FetchUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"scm":         "git",
		"is_private":  spec.Private,
		"description": spec.Description,
	})

	header := bearerHeader(accessToken)
	header.Set("Content-Type", "application/json")

	endpoint := fmt.Sprintf("%s/repositories/%s/%s", b.apiBase(), url.PathEscape(profile.Username), url.PathEscape(strings.ToLower(spec.Name)))
	body, _, err := b.rest.doJSON(ctx, http.MethodPost, endpoint, header, payload, "bitbucket create repository")
	if err != nil {
		return nil, err
	}

	var repo bitbucketRepo
	if err := json.Unmarshal(body, &repo); err != nil {
		return nil, fmt.Errorf("failed to parse created repository: %w", err)
	}
	summary := repo.summary()
	return &summary, nil
}

func (b *Bitbucket) GetFileContent(ctx context.Context, accessToken string, ref FileRef) (*FileContent, error) {
	branch := ref.Ref
	if branch == "" {
		branch = "main"
	}
	endpoint := fmt.Sprintf("%s/repositories/%s/%s/src/%s/%s",
		b.apiBase(), url.PathEscape(ref.Owner), url.PathEscape(ref.Repo), url.PathEscape(branch), escapeRepoPath(ref.Path))

	// The src endpoint streams raw file bytes, so the generic JSON helper
	// does not apply here.
	content, err := b.fetchRaw(ctx, endpoint, accessToken, "bitbucket get file")
	if err != nil {
		return nil, err
	}

	return &FileContent{
		Path:    ref.Path,
		SHA:     fmt.Sprintf("%x", sha256.Sum256(content)),
		Size:    len(content),
		Content: content,
	}, nil
}

func (b *Bitbucket) UpdateFile(ctx context.Context, accessToken string, update FileUpdate) (*FileContent, error) {
	branch := update.Branch
	if branch == "" {
		branch = "main"
	}
	endpoint := fmt.Sprintf("%s/repositories/%s/%s/src",
		b.apiBase(), url.PathEscape(update.Owner), url.PathEscape(update.Repo))

	form := url.Values{}
	form.Set(update.Path, string(update.Content))
	form.Set("message", update.Message)
	form.Set("branch", branch)

	header := bearerHeader(accessToken)
	status, body, err := b.rest.postForm(ctx, endpoint, header, form, "bitbucket update file")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &apierr.ClassifiedError{
			Type:    apierr.TypeServerError,
			Status:  status,
			Message: fmt.Sprintf("bitbucket commit failed: %s", strings.TrimSpace(string(body))),
		}
	}

	return &FileContent{
		Path: update.Path,
		SHA:  fmt.Sprintf("%x", sha256.Sum256(update.Content)),
	}, nil
}

func (b *Bitbucket) ListBranches(ctx context.Context, accessToken, owner, repo string) ([]Branch, error) {
	endpoint := fmt.Sprintf("%s/repositories/%s/%s/refs/branches",
		b.apiBase(), url.PathEscape(owner), url.PathEscape(repo))

	body, _, err := b.rest.doJSON(ctx, http.MethodGet, endpoint, bearerHeader(accessToken), nil, "bitbucket branches")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Values []struct {
			Name   string `json:"name"`
			Target struct {
				Hash string `json:"hash"`
			} `json:"target"`
		} `json:"values"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse branches: %w", err)
	}

	branches := make([]Branch, len(payload.Values))
	for i, v := range payload.Values {
		branches[i] = Branch{Name: v.Name, Commit: v.Target.Hash}
	}
	return branches, nil
}

func (b *Bitbucket) fetchRaw(ctx context.Context, endpoint, accessToken, opName string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = bearerHeader(accessToken)

	resp, err := b.rest.c.Do(req)
	if err != nil {
		return nil, b.rest.classifier.ClassifyTransportError(err, opName)
	}
	defer resp.Body.Close()

	b.rest.classifier.UpdateFromHeaders(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, b.rest.classifier.ClassifyTransportError(err, opName)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, b.rest.classifier.ClassifyResponse(resp.StatusCode, resp.Header, body, opName)
	}
	return body, nil
}

func (b *Bitbucket) tokenURL() string {
	if b.overrideToken != "" {
		return b.overrideToken
	}
	return bitbucketTokenURL
}

func (b *Bitbucket) apiBase() string {
	if b.overrideAPI != "" {
		return b.overrideAPI
	}
	return bitbucketAPIBase
}

type bitbucketRepo struct {
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Description string    `json:"description"`
	IsPrivate   bool      `json:"is_private"`
	UpdatedOn   time.Time `json:"updated_on"`
	MainBranch  struct {
		Name string `json:"name"`
	} `json:"mainbranch"`
	Links struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"links"`
	Workspace struct {
		Slug string `json:"slug"`
	} `json:"workspace"`
}

func (r bitbucketRepo) summary() RepoSummary {
	branch := r.MainBranch.Name
	if branch == "" {
		branch = "main"
	}
	return RepoSummary{
		ID:            strings.Trim(r.UUID, "{}"),
		Name:          r.Name,
		FullName:      r.FullName,
		Owner:         r.Workspace.Slug,
		Description:   r.Description,
		Private:       r.IsPrivate,
		DefaultBranch: branch,
		URL:           r.Links.HTML.Href,
		UpdatedAt:     r.UpdatedOn,
	}
}
