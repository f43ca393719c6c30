package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/claims/42":               "/v1/claims/:id",
		"/v1/claims/42/pay":           "/v1/claims/:id/pay",
		"/v1/claims/42/mark-paid":     "/v1/claims/:id/mark-paid",
		"/v1/claims/current-id":       "/v1/claims/current-id",
		"/v1/claims/7/binding?x=1":    "/v1/claims/:id/binding",
		"/v1/directory/0xabc":         "/v1/directory/:address",
		"/v1/approvals":               "/v1/approvals",
		"/v1/batch":                   "/v1/batch",
		"/v1/claims/1/extra/trailing": "/v1/claims/1/extra/trailing",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
