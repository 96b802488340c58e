package platform

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/harunnryd/assistly/internal/config"
)

type LinkedInClient struct {
	token     string
	profileID string
	baseURL   string
}

func NewLinkedInClient(cfg config.LinkedInConfig) *LinkedInClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.linkedin.com/v2"
	}
	return &LinkedInClient{token: cfg.AccessToken, profileID: cfg.ProfileID, baseURL: baseURL}
}

func (c *LinkedInClient) Name() string { return "linkedin" }

func (c *LinkedInClient) authorURN() string {
	if strings.HasPrefix(c.profileID, "urn:li:") {
		return c.profileID
	}
	return "urn:li:person:" + c.profileID
}

func (c *LinkedInClient) headers() map[string]string {
	return map[string]string{
		"Authorization":              "Bearer " + c.token,
		"X-Restli-Protocol-Version": "2.0.0",
	}
}

func (c *LinkedInClient) checkConfigured() error {
	if err := assertConfigured("LINKEDIN_ACCESS_TOKEN", c.token); err != nil {
		return err
	}
	return assertConfigured("LINKEDIN_PROFILE_ID", c.profileID)
}

func (c *LinkedInClient) Post(ctx context.Context, content string) (*PostResult, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}

	body := map[string]any{
		"author":         c.authorURN(),
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": content},
				"shareMediaCategory": "NONE",
			},
		},
		"visibility": map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	var resp struct {
		ID string `json:"id"`
	}
	err := apiRequest(ctx, http.MethodPost, c.baseURL+"/ugcPosts", c.headers(), body, &resp)
	if err != nil {
		return nil, err
	}
	return &PostResult{Platform: "linkedin", ID: resp.ID, Chars: len(content)}, nil
}

func (c *LinkedInClient) Analytics(ctx context.Context, _ string) (map[string]int, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}

	var resp struct {
		FirstDegreeSize int `json:"firstDegreeSize"`
	}
	endpoint := c.baseURL + "/networkSizes/" + url.PathEscape(c.authorURN()) +
		"?edgeType=CompanyFollowedByMember"
	if err := apiRequest(ctx, http.MethodGet, endpoint, c.headers(), nil, &resp); err != nil {
		return nil, err
	}
	return map[string]int{"followers": resp.FirstDegreeSize}, nil
}
