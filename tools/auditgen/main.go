// Command auditgen appends synthetic ModSecurity audit records to a file, for
// exercising the extractor in follow mode.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var uris = []string{"/", "/admin", "/login", "/api/v1/users", "/search?q=%27%20OR%201%3D1", "/wp-login.php", "/static/app.js"}

var rules = []struct {
	id, msg string
}{
	{"942100", "SQL Injection Attack Detected via libinjection"},
	{"941100", "XSS Attack Detected via libinjection"},
	{"920350", "Host header is a numeric IP address"},
	{"913100", "Found User-Agent associated with security scanner"},
}

func main() {
	out := flag.String("out", "modsec_audit.log", "file to append records to")
	records := flag.Int("n", 1000, "number of records to write, 0 for unlimited")
	rps := flag.Int("rps", 100, "records per second")
	denyRatio := flag.Float64("deny", 0.3, "share of records that are denials")
	rotateEvery := flag.Int("rotate-every", 0, "truncate the file after this many records, 0 to never rotate")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := os.OpenFile(*out, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("open %s: %v", *out, err)
	}
	defer f.Close()

	log.Printf("Writing to %s at %d records/s (deny ratio %.2f)", *out, *rps, *denyRatio)

	limiter := rate.NewLimiter(rate.Limit(*rps), max(*rps/10, 1))
	start := time.Now()
	written := 0
	for *records == 0 || written < *records {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if *rotateEvery > 0 && written > 0 && written%*rotateEvery == 0 {
			if err := f.Truncate(0); err != nil {
				log.Fatalf("truncate %s: %v", *out, err)
			}
			log.Printf("Rotated %s after %d records", *out, written)
		}
		if err := writeRecord(f, time.Now(), rand.Float64() < *denyRatio); err != nil {
			log.Fatalf("write %s: %v", *out, err)
		}
		written++
	}

	elapsed := time.Since(start)
	log.Printf("Wrote %d records in %s (%.1f/s)", written, elapsed.Round(time.Millisecond), float64(written)/elapsed.Seconds())
}

// writeRecord writes one blank-line terminated record in the shape the
// extractor groups on.
func writeRecord(w io.Writer, now time.Time, deny bool) error {
	bw := bufio.NewWriter(w)
	txn := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	uri := uris[rand.IntN(len(uris))]
	rule := rules[rand.IntN(len(rules))]
	ts := now.Format("Mon Jan 02 15:04:05.000000 2006")

	fmt.Fprintf(bw, "--%s-A--\n", txn)
	fmt.Fprintf(bw, "[%s] 203.0.113.%d %d\n", ts, rand.IntN(254)+1, 40000+rand.IntN(20000))
	fmt.Fprintf(bw, "GET %s HTTP/1.1\n", uri)
	if deny {
		fmt.Fprintf(bw, "Message: Access denied with code 400 (phase 2). Pattern match at ARGS. ")
	} else {
		fmt.Fprintf(bw, "Message: Warning. Pattern match at ARGS. ")
	}
	fmt.Fprintf(bw, "[file \"/etc/modsecurity/rules/REQUEST-%s.conf\"] [line \"%d\"] ", rule.id[:3], 100+rand.IntN(900))
	fmt.Fprintf(bw, "[id \"%s\"] [msg \"%s\"] [severity \"CRITICAL\"] ", rule.id, rule.msg)
	fmt.Fprintf(bw, "[hostname \"example.com\"] [uri \"%s\"] [unique_id \"%s\"]\n", uri, txn)
	fmt.Fprintf(bw, "--%s-Z--\n\n", txn)
	return bw.Flush()
}
