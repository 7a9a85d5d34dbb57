package config

import (
	"fmt"
)

type parser struct {
	lex     *lexer
	peeked  token
	hasPeek bool
}

func newParser(src string) *parser {
	return &parser{lex: newLexer(src)}
}

func (p *parser) parse() (*Config, error) {
	cfg := &Config{}

	var sawStmt bool
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokEOF {
			break
		}
		if tok.kind == tokComment {
			_, _ = p.next()
			if !sawStmt {
				cfg.Preamble = append(cfg.Preamble, tok.text)
			}
			continue
		}

		sawStmt = true
		if tok.kind != tokIdent {
			return nil, p.errAt(tok.pos, "unexpected token %q", tok.text)
		}
		if err := p.parseTopLevelBlock(cfg); err != nil {
			return nil, err
		}
	}

	if !sawStmt {
		return nil, nil
	}
	return cfg, nil
}

func (p *parser) parseTopLevelBlock(cfg *Config) error {
	nameTok, _ := p.next()

	switch nameTok.text {
	case "store":
		if cfg.Store != nil {
			return p.errAt(nameTok.pos, "duplicate store block")
		}
		b, err := p.parseStoreBlock()
		if err != nil {
			return err
		}
		cfg.Store = b
		return nil
	case "limits":
		if cfg.Limits != nil {
			return p.errAt(nameTok.pos, "duplicate limits block")
		}
		b, err := p.parseLimitsBlock()
		if err != nil {
			return err
		}
		cfg.Limits = b
		return nil
	case "sweep":
		if cfg.Sweep != nil {
			return p.errAt(nameTok.pos, "duplicate sweep block")
		}
		b, err := p.parseSweepBlock()
		if err != nil {
			return err
		}
		cfg.Sweep = b
		return nil
	case "observability":
		if cfg.Observability != nil {
			return p.errAt(nameTok.pos, "duplicate observability block")
		}
		b, err := p.parseObservabilityBlock()
		if err != nil {
			return err
		}
		cfg.Observability = b
		return nil
	case "queue":
		q, err := p.parseQueueBlock()
		if err != nil {
			return err
		}
		for _, existing := range cfg.Queues {
			if existing.Name.Text == q.Name.Text {
				return p.errAt(nameTok.pos, "duplicate queue %q", q.Name.Text)
			}
		}
		cfg.Queues = append(cfg.Queues, q)
		return nil
	default:
		return p.errAt(nameTok.pos, "unknown top-level block %q", nameTok.text)
	}
}

// parseBlock reads `{ directive value ... }` and hands every directive name
// token to fn, which consumes the directive's arguments.
func (p *parser) parseBlock(name string, fn func(dir token) error) error {
	if _, err := p.expect(tokLBrace, "expected '{' after %s", name); err != nil {
		return err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return err
		}
		if tok.kind == tokEOF {
			return p.errAt(tok.pos, "unexpected EOF in %s block (missing '}')", name)
		}
		if tok.kind == tokRBrace {
			_, _ = p.next()
			return nil
		}
		if tok.kind == tokComment {
			_, _ = p.next()
			continue
		}

		dirTok, _ := p.next()
		if dirTok.kind != tokIdent {
			return p.errAt(dirTok.pos, "expected directive name")
		}
		if err := fn(dirTok); err != nil {
			return err
		}
	}
}

// setValue reads one argument into dst, rejecting a repeated directive.
func (p *parser) setValue(dst *Value, block string, dir token) error {
	if dst.Set {
		return p.errAt(dir.pos, "duplicate %s %s", block, dir.text)
	}
	v, quoted, err := p.parseValue()
	if err != nil {
		return err
	}
	*dst = Value{Text: v, Quoted: quoted, Set: true}
	return nil
}

func (p *parser) parseStoreBlock() (*StoreBlock, error) {
	out := &StoreBlock{}
	err := p.parseBlock("store", func(dir token) error {
		switch dir.text {
		case "backend":
			return p.setValue(&out.Backend, "store", dir)
		case "path":
			return p.setValue(&out.Path, "store", dir)
		case "dsn":
			return p.setValue(&out.DSN, "store", dir)
		default:
			return p.errAt(dir.pos, "unknown store directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseLimitsBlock() (*LimitsBlock, error) {
	out := &LimitsBlock{}
	err := p.parseBlock("limits", func(dir token) error {
		switch dir.text {
		case "max_message_size":
			return p.setValue(&out.MaxMessageSize, "limits", dir)
		case "max_delivery_count":
			return p.setValue(&out.MaxDeliveryCount, "limits", dir)
		case "lock_duration":
			return p.setValue(&out.LockDuration, "limits", dir)
		default:
			return p.errAt(dir.pos, "unknown limits directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseSweepBlock() (*SweepBlock, error) {
	out := &SweepBlock{}
	err := p.parseBlock("sweep", func(dir token) error {
		switch dir.text {
		case "lock_interval":
			return p.setValue(&out.LockInterval, "sweep", dir)
		case "schedule_interval":
			return p.setValue(&out.ScheduleInterval, "sweep", dir)
		case "idle_interval":
			return p.setValue(&out.IdleInterval, "sweep", dir)
		case "recover_interval":
			return p.setValue(&out.RecoverInterval, "sweep", dir)
		default:
			return p.errAt(dir.pos, "unknown sweep directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseObservabilityBlock() (*ObservabilityBlock, error) {
	out := &ObservabilityBlock{}
	err := p.parseBlock("observability", func(dir token) error {
		switch dir.text {
		case "log_level":
			return p.setValue(&out.LogLevel, "observability", dir)
		case "log_output":
			return p.setValue(&out.LogOutput, "observability", dir)
		case "log_path":
			return p.setValue(&out.LogPath, "observability", dir)
		case "metrics_listen":
			return p.setValue(&out.MetricsListen, "observability", dir)
		case "tracing":
			if out.Tracing != nil {
				return p.errAt(dir.pos, "duplicate tracing directive")
			}
			next, err := p.peek()
			if err != nil {
				return err
			}
			if next.kind == tokLBrace {
				t, err := p.parseTracingBlock()
				if err != nil {
					return err
				}
				out.Tracing = t
				return nil
			}
			t := &TracingBlock{shorthand: true}
			if err := p.setValue(&t.Enabled, "tracing", dir); err != nil {
				return err
			}
			out.Tracing = t
			return nil
		default:
			return p.errAt(dir.pos, "unknown observability directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseTracingBlock() (*TracingBlock, error) {
	out := &TracingBlock{}
	err := p.parseBlock("tracing", func(dir token) error {
		switch dir.text {
		case "enabled":
			return p.setValue(&out.Enabled, "tracing", dir)
		case "collector":
			return p.setValue(&out.Collector, "tracing", dir)
		case "url_path":
			return p.setValue(&out.URLPath, "tracing", dir)
		case "compression":
			return p.setValue(&out.Compression, "tracing", dir)
		case "timeout":
			return p.setValue(&out.Timeout, "tracing", dir)
		case "insecure":
			return p.setValue(&out.Insecure, "tracing", dir)
		case "service_name":
			return p.setValue(&out.ServiceName, "tracing", dir)
		case "header":
			var h TracingHeader
			if err := p.setValue(&h.Name, "tracing header", dir); err != nil {
				return err
			}
			if err := p.setValue(&h.Value, "tracing header", dir); err != nil {
				return err
			}
			out.Headers = append(out.Headers, h)
			return nil
		default:
			return p.errAt(dir.pos, "unknown tracing directive %q", dir.text)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseQueueBlock() (QueueBlock, error) {
	nameTok, err := p.next()
	if err != nil {
		return QueueBlock{}, err
	}
	if nameTok.kind != tokIdent && nameTok.kind != tokString {
		return QueueBlock{}, p.errAt(nameTok.pos, "expected queue name")
	}
	out := QueueBlock{Name: Value{Text: nameTok.text, Quoted: nameTok.kind == tokString, Set: true}}

	// A bare `queue name` declares a queue with defaults.
	next, err := p.peek()
	if err != nil {
		return QueueBlock{}, err
	}
	if next.kind != tokLBrace {
		return out, nil
	}

	block := fmt.Sprintf("queue %s", nameTok.text)
	err = p.parseBlock(block, func(dir token) error {
		switch dir.text {
		case "max_delivery_count":
			return p.setValue(&out.MaxDeliveryCount, block, dir)
		case "lock_duration":
			return p.setValue(&out.LockDuration, block, dir)
		case "forward_to":
			return p.setValue(&out.ForwardTo, block, dir)
		case "auto_delete_on_idle":
			return p.setValue(&out.AutoDeleteOnIdle, block, dir)
		case "requires_session":
			return p.setValue(&out.RequiresSession, block, dir)
		case "max_message_size":
			return p.setValue(&out.MaxMessageSize, block, dir)
		default:
			return p.errAt(dir.pos, "unknown queue directive %q", dir.text)
		}
	})
	if err != nil {
		return QueueBlock{}, err
	}
	return out, nil
}

func (p *parser) parseValue() (string, bool, error) {
	tok, err := p.next()
	if err != nil {
		return "", false, err
	}
	switch tok.kind {
	case tokString, tokIdent:
		return tok.text, tok.kind == tokString, nil
	default:
		return "", false, p.errAt(tok.pos, "expected value")
	}
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.nextToken()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	if p.hasPeek {
		p.hasPeek = false
		return p.peeked, nil
	}
	return p.lex.nextToken()
}

func (p *parser) expect(kind tokenKind, msg string, args ...any) (token, error) {
	tok, err := p.next()
	if err != nil {
		return token{}, err
	}
	if tok.kind != kind {
		return token{}, p.errAt(tok.pos, msg, args...)
	}
	return tok, nil
}

func (p *parser) errAt(pos position, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("config parse error at %s: %s", pos.String(), msg)
}
