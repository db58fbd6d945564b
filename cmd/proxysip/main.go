package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"time"

	"github.com/arl/statsviz"
	"github.com/sipstack/dialog"
	"github.com/sipstack/dialog/sip"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"
)

// proxysip is a stateless SIP proxy: it relays requests between a UAC and
// either a statically configured destination or a UA previously bound via
// REGISTER, without maintaining its own dialog state.
func main() {
	listenAddr := flag.String("ip", "127.0.0.1:5060", "Local listen address")
	dst := flag.String("dst", "", "Static destination to relay to, bypassing the registry")
	transportType := flag.String("t", "udp", "Transport")
	metricsAddr := flag.String("metrics", ":8080", "HTTP metrics/health listen address")
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		lvl = slog.LevelInfo
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger()
	log := slog.New(slogzerolog.Option{Level: lvl, Logger: &zlog}.NewZerologHandler())
	slog.SetDefault(log)

	go serveMetrics(*metricsAddr, log)

	srv, err := newProxy(*dst, *listenAddr, log)
	if err != nil {
		log.Error("failed to build proxy", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := srv.ListenAndServe(ctx, *transportType, *listenAddr); err != nil {
		log.Error("sip server stopped", "error", err)
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/mem", func(w http.ResponseWriter, r *http.Request) {
		runtime.GC()
		stats := &runtime.MemStats{}
		runtime.ReadMemStats(stats)
		data, _ := json.MarshalIndent(stats, "", "  ")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})
	statsviz.Register(mux)

	log.Info("metrics server listening", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}

type proxy struct {
	log      *slog.Logger
	client   *sipgo.Client
	registry *registry
	dst      string
	host     string
	port     int
}

func newProxy(dst, listenAddr string, log *slog.Logger) (*sipgo.Server, error) {
	host, port, err := sip.ParseAddr(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address: %w", err)
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("setting up user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("setting up server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientAddr(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("setting up client: %w", err)
	}

	p := &proxy{
		log:      log,
		client:   client,
		registry: newRegistry(),
		dst:      dst,
		host:     host,
		port:     port,
	}

	srv.OnRegister(p.onRegister)
	srv.OnInvite(p.onRoute)
	srv.OnAck(p.onAck)
	srv.OnCancel(p.onRoute)
	srv.OnBye(p.onRoute)
	return srv, nil
}

func (p *proxy) destination(req *sip.Request) string {
	to := req.To()
	if addr := p.registry.Get(to.Address.User); addr != "" {
		return addr
	}
	return p.dst
}

func reply(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, int(code), reason, nil)
	res.SetDestination(req.Source())
	tx.Respond(res)
}

// onRoute relays INVITE/CANCEL/BYE by starting a client transaction toward
// the resolved destination and pumping responses back to the server side.
// https://datatracker.ietf.org/doc/html/rfc3261#section-16.3
func (p *proxy) onRoute(req *sip.Request, tx sip.ServerTransaction) {
	dst := p.destination(req)
	if dst == "" {
		reply(tx, req, sip.StatusNotFound, "Not Found")
		return
	}

	ctx := context.Background()
	req.SetDestination(dst)

	clTx, err := p.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia, sipgo.ClientRequestAddRecordRoute)
	if err != nil {
		p.log.Error("relaying request failed", "error", err)
		reply(tx, req, sip.StatusInternalServerError, "")
		return
	}
	defer clTx.Terminate()

	for {
		select {
		case res, more := <-clTx.Responses():
			if !more {
				return
			}
			res.SetDestination(req.Source())
			// https://datatracker.ietf.org/doc/html/rfc3261#section-16.7
			res.RemoveHeader("Via")
			if err := tx.Respond(res); err != nil {
				p.log.Error("responding to server transaction failed", "error", err)
			}

		case m := <-tx.Acks():
			m.SetDestination(dst)
			p.client.WriteRequest(m)

		case <-clTx.Done():
			if err := tx.Err(); err != nil && !errors.Is(err, sip.ErrTransactionTerminated) {
				p.log.Error("client transaction ended with error", "error", err, "method", req.Method.String())
			}
			return

		case <-tx.Done():
			if err := tx.Err(); err != nil {
				if errors.Is(err, sip.ErrTransactionCanceled) && req.IsInvite() {
					p.cancelUpstream(ctx, req)
				}
				if !errors.Is(err, sip.ErrTransactionTerminated) {
					p.log.Error("server transaction ended with error", "error", err, "method", req.Method.String())
				}
			}
			return
		}
	}
}

func (p *proxy) cancelUpstream(ctx context.Context, invite *sip.Request) {
	cancel := newCancelRequest(invite)
	res, err := p.client.Do(ctx, cancel)
	if err != nil {
		p.log.Error("canceling upstream transaction failed", "error", err)
		return
	}
	if res.StatusCode != int(sip.StatusOK) {
		p.log.Error("upstream did not confirm cancel", "status", res.StatusCode)
	}
}

// onAck forwards an ACK for a non-2xx response directly; these never go
// through a transaction of their own.
func (p *proxy) onAck(req *sip.Request, tx sip.ServerTransaction) {
	dst := p.destination(req)
	if dst == "" {
		return
	}
	req.SetDestination(dst)
	if err := p.client.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
		p.log.Error("forwarding ACK failed", "error", err)
		reply(tx, req, sip.StatusInternalServerError, "")
	}
}

// onRegister binds the Contact's transport address under the AOR user so
// onRoute can later resolve requests toward it.
// https://datatracker.ietf.org/doc/html/rfc3261#section-10.3
func (p *proxy) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	cont := req.Contact()
	if cont == nil {
		reply(tx, req, sip.StatusNotFound, "Missing address of record")
		return
	}

	if cont.Address.Host == p.host && cont.Address.Port == p.port {
		reply(tx, req, sip.StatusUnauthorized, "Contact address not provided")
		return
	}

	addr := cont.Address.Host + ":" + strconv.Itoa(cont.Address.Port)
	p.registry.Add(cont.Address.User, addr)
	p.log.Debug("registered contact", "user", cont.Address.User, "addr", addr)

	res := sip.NewResponseFromRequest(req, int(sip.StatusOK), "OK", nil)
	tx.Respond(res)
}

func newCancelRequest(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.AppendHeader(sip.HeaderClone(invite.Via()))
	cancel.AppendHeader(sip.HeaderClone(invite.From()))
	cancel.AppendHeader(sip.HeaderClone(invite.To()))
	cancel.AppendHeader(sip.HeaderClone(invite.CallID()))
	sip.CopyHeaders("Route", invite, cancel)
	cancel.SetSource(invite.Source())
	cancel.SetDestination(invite.Destination())
	return cancel
}
