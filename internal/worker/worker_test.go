package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/mission"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	echo := EchoWorker{Category: mission.CategoryResearch}

	if err := reg.Register(mission.CategoryResearch, echo); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var verr *mission.ValidationError
	if err := reg.Register("juggling", echo); !errors.As(err, &verr) {
		t.Errorf("Register(unknown) = %v, want ValidationError", err)
	}
	if err := reg.Register(mission.CategoryDesign, nil); err == nil {
		t.Error("Register(nil) should fail")
	}

	if _, ok := reg.Get(mission.CategoryResearch); !ok {
		t.Error("Expected research worker")
	}
	if _, ok := reg.Get(mission.CategoryDesign); ok {
		t.Error("Did not expect design worker")
	}
	if cats := reg.Categories(); len(cats) != 1 || cats[0] != mission.CategoryResearch {
		t.Errorf("Categories = %v, want [research]", cats)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cc := cfg.Categories["publish"]
	cc.Command = "/usr/local/bin/publisher"
	cc.Args = []string{"--dry-run"}
	cfg.Categories["publish"] = cc

	reg, err := FromConfig(cfg, NewProcessManager())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	if got := len(reg.Categories()); got != len(mission.Categories()) {
		t.Errorf("registered %d categories, want %d", got, len(mission.Categories()))
	}

	w, _ := reg.Get(mission.CategoryPublish)
	cw, ok := w.(*CommandWorker)
	if !ok {
		t.Fatalf("publish worker = %T, want *CommandWorker", w)
	}
	if cw.Path != "/usr/local/bin/publisher" || len(cw.Args) != 1 {
		t.Errorf("command worker = %+v", cw)
	}

	w, _ = reg.Get(mission.CategoryResearch)
	if _, ok := w.(EchoWorker); !ok {
		t.Errorf("research worker = %T, want EchoWorker", w)
	}
}

func TestEchoWorker(t *testing.T) {
	w := EchoWorker{Category: mission.CategoryStrategy}

	res, err := w.Execute(context.Background(), json.RawMessage(`{"goal":"plan"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := `{"category":"strategy","input":{"goal":"plan"}}`
	if string(res.Output) != want {
		t.Errorf("Output = %s, want %s", res.Output, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Execute(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute(cancelled) = %v, want context.Canceled", err)
	}
}
