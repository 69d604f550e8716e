// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GitHub event types the adapter understands. Anything else is
// acknowledged and ignored.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

// Pull-request actions that represent new or updated code.
var triggeringPRActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// verifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the body. Legacy SHA-1 signatures are rejected.
func verifySignature(r *http.Request, body []byte, secret string) error {
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		if r.Header.Get("X-Hub-Signature") != "" {
			return fmt.Errorf("SHA-1 signatures not supported, use SHA-256")
		}
		return fmt.Errorf("missing signature header")
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("invalid signature format")
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// delivery is a parsed inbound event, normalized across providers.
type delivery struct {
	// event is "push" or "pull_request".
	event string

	// repoCandidates are URL spellings to try against stored pipeline
	// repository URLs, most specific first.
	repoCandidates []string

	branch string
	commit string
	sender string
}

type githubRepository struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
	CloneURL string `json:"clone_url"`
	SSHURL   string `json:"ssh_url"`
}

type githubPushEvent struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Deleted    bool             `json:"deleted"`
	Repository githubRepository `json:"repository"`
	Pusher     struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

type githubPullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository githubRepository `json:"repository"`
	Sender     struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// parseGitHubEvent translates a GitHub delivery into the normalized
// form. A nil delivery with a nil error means the event carries no
// trigger (branch deletions, PR label changes, unsupported kinds).
func parseGitHubEvent(eventType string, body []byte) (*delivery, error) {
	switch eventType {
	case EventPush:
		var ev githubPushEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		if ev.Deleted || !strings.HasPrefix(ev.Ref, "refs/heads/") {
			return nil, nil
		}
		return &delivery{
			event:          EventPush,
			repoCandidates: repoCandidates(ev.Repository),
			branch:         strings.TrimPrefix(ev.Ref, "refs/heads/"),
			commit:         ev.After,
			sender:         ev.Pusher.Name,
		}, nil

	case EventPullRequest:
		var ev githubPullRequestEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		if !triggeringPRActions[ev.Action] {
			return nil, nil
		}
		return &delivery{
			event:          EventPullRequest,
			repoCandidates: repoCandidates(ev.Repository),
			branch:         ev.PullRequest.Head.Ref,
			commit:         ev.PullRequest.Head.SHA,
			sender:         ev.Sender.Login,
		}, nil

	default:
		return nil, nil
	}
}

// repoCandidates lists the URL spellings a pipeline may have been
// registered under for a repository.
func repoCandidates(repo githubRepository) []string {
	var out []string
	add := func(u string) {
		if u == "" {
			return
		}
		for _, existing := range out {
			if existing == u {
				return
			}
		}
		out = append(out, u)
	}

	add(repo.CloneURL)
	add(strings.TrimSuffix(repo.CloneURL, ".git"))
	add(repo.HTMLURL)
	if repo.HTMLURL != "" {
		add(repo.HTMLURL + ".git")
	}
	add(repo.SSHURL)
	return out
}
