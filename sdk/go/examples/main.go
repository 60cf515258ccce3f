package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/netroby/scm-manager/pkg/plugin"
	"github.com/netroby/scm-manager/sdk/go/scm"
)

func main() {
	records := []plugin.Record{
		{GroupID: "sonia.plugin", ArtifactID: "git-plugin", Version: "1.0", Name: "Git", State: plugin.StateAvailable},
		{GroupID: "sonia.plugin", ArtifactID: "svn-plugin", Version: "2.1", Name: "Subversion", State: plugin.StateUpdateAvailable},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/rest/plugins/overview.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(records)
	})
	mux.HandleFunc("/api/rest/plugins/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := scm.NewClient(srv.URL+"/api/rest/", srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	overview, err := client.Overview(ctx)
	if err != nil {
		panic(err)
	}
	for _, r := range overview {
		fmt.Printf("%s (%s) actions=%v\n", r.ID(), r.State, plugin.ActionsFor(r.State))
	}

	center := plugin.NewCenter(client)
	center.Subscribe(func(e plugin.Event) {
		fmt.Printf("event %s %s\n", e.Kind, e.PluginID)
	})
	if err := center.Install(ctx, overview[0].ID()).Wait(ctx); err != nil {
		panic(err)
	}
}
