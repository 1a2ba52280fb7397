package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"pbxlink/internal/events"
)

type options struct {
	noEvents   bool
	categories []string
	ids        []string
	recorded   int
	leaseTTL   time.Duration
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("pbxlink", pflag.ContinueOnError)
	fs.BoolVar(&o.noEvents, "no-events", false, "open the session without subscribing to events")
	fs.StringArrayVar(&o.categories, "category", []string{string(events.CategoryTelephony)}, "event category to subscribe to (repeatable)")
	fs.StringArrayVar(&o.ids, "id", nil, "restrict the subscription to these logins (repeatable)")
	fs.IntVar(&o.recorded, "recent", 256, "number of recent events kept for the status API")
	fs.DurationVar(&o.leaseTTL, "lease-ttl", 30*time.Second, "TTL of the subscription lease when Redis is configured")
	showHelp := fs.BoolP("help", "h", false, "show this help")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pbxlink [flags]\n\nConfiguration is read from the environment (PBX_*, DB_*, REDIS_*).\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *showHelp {
		fs.Usage()
		return options{}, pflag.ErrHelp
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if o.recorded <= 0 {
		return options{}, fmt.Errorf("--recent must be > 0, got %d", o.recorded)
	}
	if o.leaseTTL < time.Second {
		return options{}, fmt.Errorf("--lease-ttl must be at least 1s, got %s", o.leaseTTL)
	}
	return o, nil
}

// subscription builds the subscription requested on the command line,
// or nil when events are disabled.
func (o options) subscription(h events.Handler) (*events.Subscription, error) {
	if o.noEvents {
		return nil, nil
	}
	names := make([]events.Category, 0, len(o.categories))
	for _, s := range o.categories {
		c, ok := events.ParseCategory(s)
		if !ok {
			return nil, fmt.Errorf("unknown event category %q", s)
		}
		names = append(names, c)
	}
	sub := events.NewSubscription(h, events.Select(names...).For(o.ids...))
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}
