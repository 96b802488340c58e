package platform

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harunnryd/assistly/internal/config"
)

type TwitterClient struct {
	token   string
	baseURL string
}

func NewTwitterClient(cfg config.TwitterConfig) *TwitterClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twitter.com/2"
	}
	return &TwitterClient{token: cfg.AccessToken, baseURL: baseURL}
}

func (c *TwitterClient) Name() string { return "twitter" }

func (c *TwitterClient) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.token}
}

func (c *TwitterClient) Post(ctx context.Context, content string) (*PostResult, error) {
	if err := assertConfigured("TWITTER_ACCESS_TOKEN", c.token); err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := apiRequest(ctx, http.MethodPost, c.baseURL+"/tweets", c.authHeaders(),
		map[string]string{"text": content}, &resp)
	if err != nil {
		return nil, err
	}

	result := &PostResult{Platform: "twitter", ID: resp.Data.ID, Chars: len(content)}
	if resp.Data.ID != "" {
		result.URL = "https://x.com/i/web/status/" + resp.Data.ID
	}
	return result, nil
}

func (c *TwitterClient) Analytics(ctx context.Context, _ string) (map[string]int, error) {
	if err := assertConfigured("TWITTER_ACCESS_TOKEN", c.token); err != nil {
		return nil, err
	}

	var me struct {
		Data struct {
			ID            string `json:"id"`
			PublicMetrics struct {
				FollowersCount int `json:"followers_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}
	err := apiRequest(ctx, http.MethodGet,
		c.baseURL+"/users/me?user.fields=public_metrics", c.authHeaders(), nil, &me)
	if err != nil {
		return nil, err
	}

	impressions, engagements := 0, 0
	if me.Data.ID != "" {
		var tweets struct {
			Data []struct {
				PublicMetrics struct {
					ImpressionCount int `json:"impression_count"`
					LikeCount       int `json:"like_count"`
					RetweetCount    int `json:"retweet_count"`
					ReplyCount      int `json:"reply_count"`
				} `json:"public_metrics"`
			} `json:"data"`
		}
		url := fmt.Sprintf("%s/users/%s/tweets?max_results=10&tweet.fields=public_metrics",
			c.baseURL, me.Data.ID)
		if err := apiRequest(ctx, http.MethodGet, url, c.authHeaders(), nil, &tweets); err != nil {
			return nil, err
		}
		for _, tweet := range tweets.Data {
			m := tweet.PublicMetrics
			impressions += m.ImpressionCount
			engagements += m.LikeCount + m.RetweetCount + m.ReplyCount
		}
	}

	return map[string]int{
		"impressions": impressions,
		"engagements": engagements,
		"followers":   me.Data.PublicMetrics.FollowersCount,
	}, nil
}
