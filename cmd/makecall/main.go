package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/harunnryd/callshield/pkg/callshield"
	"github.com/harunnryd/callshield/pkg/configutil"
	twiliotransport "github.com/harunnryd/callshield/pkg/transports/twilio"
)

// makecall dials the agent through the relay so the call's media streams
// through the monitor. The agent leg answers first; the relay's TwiML then
// bridges the customer in.
func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	agent := flag.String("agent", "", "agent phone number (E.164)")
	customer := flag.String("customer", "", "customer phone number (E.164)")
	flag.Parse()
	if *agent == "" || *customer == "" {
		fmt.Println("usage: makecall -agent=+123 -customer=+456 [-config=...]")
		os.Exit(1)
	}

	cfg, err := callshield.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var settings twiliotransport.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if settings.PublicURL == "" {
		fmt.Println("transports.settings.public_url is empty")
		os.Exit(1)
	}
	twimlPath := settings.TwimlPath
	if twimlPath == "" {
		twimlPath = "/api/twiml"
	}
	base := strings.TrimPrefix(settings.PublicURL, "https://")
	base = strings.TrimPrefix(base, "http://")
	base = strings.TrimRight(base, "/")
	voiceURL := "https://" + base + twimlPath + "?customerNumber=" + url.QueryEscape(*customer)

	dialer := twiliotransport.NewDialer(settings)
	from := settings.FromNumber
	if from == "" {
		from = *agent
	}
	callSID, err := dialer.Dial(context.Background(), *agent, from, voiceURL)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
