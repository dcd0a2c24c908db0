package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/message"
)

// CourseReplier posts operator replies back to the course platform.
type CourseReplier struct {
	url    string
	token  string
	client *http.Client
}

type courseReply struct {
	Email   string `json:"email"`
	Course  string `json:"course,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	Text    string `json:"text"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewCourseReplier creates a reply client. A nil client gets a 10s timeout.
func NewCourseReplier(url, token string, client *http.Client) *CourseReplier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CourseReplier{url: strings.TrimSpace(url), token: token, client: client}
}

// Send posts msg as JSON. 4xx responses other than 408 and 429 are permanent.
func (r *CourseReplier) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if r.url == "" {
		return deliveryError(message.TransportWebhook, msg.ChatID, errors.New("course reply URL not configured"), true)
	}
	email, course := message.SplitCourseChatID(msg.ChatID)
	body, err := json.Marshal(courseReply{
		Email:   email,
		Course:  course,
		ReplyTo: msg.ReplyTo,
		Text:    msg.Content,
		TraceID: msg.TraceID,
	})
	if err != nil {
		return deliveryError(message.TransportWebhook, msg.ChatID, err, true)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return deliveryError(message.TransportWebhook, msg.ChatID, err, true)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return deliveryError(message.TransportWebhook, msg.ChatID, err, false)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests
	return deliveryError(message.TransportWebhook, msg.ChatID,
		fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), permanent)
}
