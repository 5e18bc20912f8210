// Package teak is the client-side session and attribution engine.
//
// The Engine tracks one logical visit to the host application across
// foreground/background transitions, resolves why the app was opened
// (organic launch, deep link, push notification), and reliably reports
// identification and analytics events to the backend despite unreliable
// connectivity and process death.
//
// Quick start:
//
//	cfg := &config.AppConfig{AppID: "1234", APIKey: "secret"}
//	engine, err := teak.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.Start(context.Background())
//	engine.OnLifecycleEvent(event.Foreground, event.LaunchData{})
//	engine.OnIdentityChanged("player-1")
//
// Platform integrations post device events (push token, advertising id)
// onto engine.Bus(); the engine only consumes them.
package teak

// Version is the engine release version reported to the backend.
const Version = "1.0.0"
