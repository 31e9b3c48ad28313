package client

import (
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		headers    map[string]string
		internal   bool
		expected   ErrorClass
	}{
		{
			name:       "success",
			statusCode: 200,
			internal:   true,
			expected:   ErrorClassNone,
		},
		{
			name:       "unauthorized",
			statusCode: 401,
			internal:   true,
			expected:   ErrorClassAuth,
		},
		{
			name:       "forbidden with captcha",
			statusCode: 403,
			headers:    map[string]string{HeaderCaptchaSiteKey: "key"},
			internal:   true,
			expected:   ErrorClassCaptcha,
		},
		{
			name:       "precondition failed with captcha",
			statusCode: 412,
			headers:    map[string]string{HeaderCaptchaSiteKey: "key"},
			internal:   true,
			expected:   ErrorClassCaptcha,
		},
		{
			name:       "forbidden without captcha",
			statusCode: 403,
			internal:   true,
			expected:   ErrorClassNone,
		},
		{
			name:       "too many requests",
			statusCode: 429,
			internal:   true,
			expected:   ErrorClassRateLimit,
		},
		{
			name:       "server error",
			statusCode: 503,
			internal:   true,
			expected:   ErrorClassServer,
		},
		{
			name:       "foreign 401 is not an auth failure",
			statusCode: 401,
			expected:   ErrorClassNone,
		},
		{
			name:       "foreign 429 is not retried",
			statusCode: 429,
			expected:   ErrorClassNone,
		},
		{
			name:       "foreign server error",
			statusCode: 502,
			expected:   ErrorClassServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{StatusCode: tt.statusCode, Header: http.Header{}}
			for k, v := range tt.headers {
				resp.Header.Set(k, v)
			}

			if got := classify(resp, tt.internal); got != tt.expected {
				t.Errorf("classify(%d) = %q, want %q", tt.statusCode, got, tt.expected)
			}
		})
	}
}
