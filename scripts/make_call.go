// make_call places an outbound test call whose audio is routed through the voice webhook.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harunnryd/callsentry/pkg/callsentry"
	"github.com/harunnryd/callsentry/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "")
	from := flag.String("from", "", "caller id (defaults to twilio.phone_number)")
	to := flag.String("to", "", "number to call")
	voiceURL := flag.String("voice_url", "", "override the voice webhook url")
	sendDigits := flag.String("send_digits", "", "")
	timeout := flag.Int("timeout", 0, "ring timeout in seconds")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: make_call -to=+456 [-from=+123] [-config=...]")
		os.Exit(1)
	}
	cfg, err := callsentry.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *voiceURL == "" && cfg.Server.PublicURL == "" {
		fmt.Println("server.public_url is empty")
		os.Exit(1)
	}
	dialer := twilio.NewDialer(twilio.Config{
		AccountSID:  cfg.Twilio.AccountSID,
		AuthToken:   cfg.Twilio.AuthToken,
		PhoneNumber: cfg.Twilio.PhoneNumber,
		PublicURL:   cfg.Server.PublicURL,
		VoicePath:   cfg.Server.VoicePath,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	callSID, err := dialer.DialWithOptions(ctx, *to, *from, *voiceURL, twilio.DialOptions{
		SendDigits:     *sendDigits,
		TimeoutSeconds: *timeout,
	})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
