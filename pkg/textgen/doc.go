// Package textgen is the boundary to the external text-generation service.
//
// A Service turns one prompt into one reply. Provider failures are
// normalized into *Error values classified as transient (rate limits,
// timeouts, 5xx) or permanent, and every caller retries through the same
// RetryPolicy.
//
// Usage:
//
//	svc, err := textgen.New(textgen.Config{Provider: "gemini", APIKey: key})
//	policy := textgen.DefaultRetryPolicy()
//	var reply string
//	_, err = policy.Do(ctx, "synthesis", func(ctx context.Context, _ int) error {
//		reply, err = svc.Generate(ctx, prompt)
//		return err
//	})
package textgen
