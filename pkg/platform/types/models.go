package types

// Response headers carrying the caller's rate-limit budget
const (
	HeaderRateLimitLimit     = "x-rate-limit-limit"
	HeaderRateLimitRemaining = "x-rate-limit-remaining"
	HeaderRateLimitReset     = "x-rate-limit-reset"
)

// API paths
const (
	PathCreatePost = "/2/tweets"
	PathMe         = "/2/users/me"
)

// CreatePostRequest is the body of a create-post call
type CreatePostRequest struct {
	Text  string         `json:"text"`
	Reply *ReplySettings `json:"reply,omitempty"`
}

// ReplySettings makes the new post a reply
type ReplySettings struct {
	InReplyToPostID string `json:"in_reply_to_tweet_id"`
}

type CreatePostResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

type UserResponse struct {
	Data struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"data"`
}

// ErrorResponse is the problem document returned on failures
type ErrorResponse struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Status int    `json:"status"`
}
