package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/you/chzzk-chat/internal/chzzktest"
)

var (
	nicknames = []string{"도토리", "밤톨이", "Tester", "quietfox", "채팅봇", "pixelpusher"}
	messages  = []string{"안녕하세요", "ㅋㅋㅋㅋ", "hello {:wave:}", "gg", "좋은 방송 감사합니다 {:heart:}", "first time here"}
	colours   = []string{"", "CC000", "SG001", "SG004", "SG009"}
	emojis    = map[string]string{
		"wave":  "https://ssl.pstatic.net/static/nng/glive/icon/wave.png",
		"heart": "https://ssl.pstatic.net/static/nng/glive/icon/heart.png",
	}
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		addr          string
		interval      time.Duration
		donationEvery int
		pingEvery     time.Duration
	)

	flag.StringVar(&addr, "addr", "127.0.0.1:8766", "Listen address for the fake upstream")
	flag.DurationVar(&interval, "interval", time.Second, "Delay between synthetic chat messages")
	flag.IntVar(&donationEvery, "donation-every", 10, "Send a donation every N messages (0 disables)")
	flag.DurationVar(&pingEvery, "ping-every", 20*time.Second, "Server ping interval")
	flag.Parse()

	srv, err := chzzktest.NewServerOn(addr)
	if err != nil {
		log.Fatalf("devchat: listen: %v", err)
	}
	defer srv.Close()

	log.Printf("devchat: fake upstream on %s", srv.URL())
	fmt.Printf("CHZZK_CHANNEL=%s\nCHZZK_API_BASE_URL=%s\nCHZZK_GAME_API_BASE_URL=%s\nCHZZK_CHAT_URL=%s\nCHZZK_COOKIES=NID_AUT=dev; NID_SES=dev\n",
		chzzktest.DefaultChannelID, srv.URL(), srv.URL(), srv.ChatURL())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tick := time.NewTicker(interval)
	defer tick.Stop()
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("devchat: shutting down after %d messages", sent)
			return
		case <-ping.C:
			for _, c := range srv.Active() {
				if err := c.SendPing(ctx); err != nil {
					log.Printf("devchat: ping conn=%d: %v", c.Index(), err)
				}
			}
		case <-tick.C:
			conns := srv.Active()
			if len(conns) == 0 {
				continue
			}
			sent++
			donation := donationEvery > 0 && sent%donationEvery == 0
			el := syntheticElement(sent, donation)
			for _, c := range conns {
				if donation {
					err = c.SendDonation(ctx, el)
				} else {
					err = c.SendChat(ctx, el)
				}
				if err != nil {
					log.Printf("devchat: send conn=%d: %v", c.Index(), err)
				}
			}
		}
	}
}

func syntheticElement(n int, donation bool) map[string]any {
	now := time.Now().UnixMilli()
	msg := messages[rand.IntN(len(messages))]
	if donation && rand.IntN(3) == 0 {
		return chzzktest.Element("anonymous", chzzktest.Profile{}, msg, now, emojis)
	}
	nick := nicknames[rand.IntN(len(nicknames))]
	p := chzzktest.Profile{
		Nickname:  nick,
		ColorCode: colours[rand.IntN(len(colours))],
		Role:      "common_user",
	}
	if n%4 == 0 {
		p.SubscriptionMonths = 1 + rand.IntN(24)
		p.SubscriptionTier = 1
		p.SubscriptionBadge = "https://ssl.pstatic.net/static/nng/glive/badge/subscription.png"
	}
	if n%3 == 0 {
		p.ActivityBadges = []chzzktest.ActivityBadge{{ImageURL: "https://ssl.pstatic.net/static/nng/glive/badge/fan.png", Activated: true}}
	}
	return chzzktest.Element("user-"+nick, p, msg, now, emojis)
}
