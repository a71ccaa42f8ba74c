// Package feed is the entry point for applications: a Service owns the token
// manager, quota limiter, API client, fetcher, alert cache and poll
// scheduler for one credential pair and answers alert queries from the
// cache, falling back to the API when the cache cannot.
//
// Example usage:
//
//	cfg := feed.DefaultConfig("https://api.example.com", token.Credential{
//		ClientID:     os.Getenv("CLIENT_ID"),
//		ClientSecret: os.Getenv("CLIENT_SECRET"),
//	})
//	cfg.Logger = logging.NewLogger("feed")
//
//	svc, err := feed.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//
//	if err := svc.StartPolling(ctx, feed.PollOptions{Interval: time.Minute}); err != nil {
//		log.Warn().Err(err).Msg("Polling disabled")
//	}
//
//	alerts, err := svc.GetAlertsSince(ctx, feed.SinceQuery{Count: 20})
package feed
