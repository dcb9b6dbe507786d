package host_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/abdulrahman305/jetbrains/internal/client"
	"github.com/abdulrahman305/jetbrains/internal/config"
	"github.com/abdulrahman305/jetbrains/internal/event"
	"github.com/abdulrahman305/jetbrains/internal/host"
	"github.com/abdulrahman305/jetbrains/internal/jsonrpc"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
	"github.com/abdulrahman305/jetbrains/internal/server"
	"github.com/abdulrahman305/jetbrains/internal/webview"
)

func collect(bus *event.Bus, t event.EventType) (<-chan event.Event, func()) {
	ch := make(chan event.Event, 16)
	unsubscribe := bus.Subscribe(t, func(ev event.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, unsubscribe
}

var _ = Describe("Host", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		cfg      *config.Config
		launcher *fakeLauncher
		h        *host.Host

		editsMu sync.Mutex
		edits   []protocol.TextDocumentEditParams
	)

	callbacks := func() client.Callbacks {
		return client.Callbacks{
			OnTextDocumentEdit: func(_ context.Context, params protocol.TextDocumentEditParams) (bool, error) {
				editsMu.Lock()
				defer editsMu.Unlock()
				edits = append(edits, params)
				return true, nil
			},
		}
	}

	newHost := func() *host.Host {
		hh, err := host.New(cfg, callbacks(),
			host.WithLauncher(launcher.Launch),
			host.WithDirectory(cfg.Resources.Root),
			host.WithRetryInterval(time.Millisecond),
			host.WithHubOptions(server.WithReconnectGrace(50*time.Millisecond)),
		)
		Expect(err).NotTo(HaveOccurred())
		return hh
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		root := GinkgoT().TempDir()

		cfg = config.Default()
		cfg.Agent.Command = []string{"fake-agent"}
		cfg.Agent.InitializeTimeoutMs = 2000
		cfg.Client.Version = "1.2.3"
		cfg.Resources.Root = root
		cfg.Resources.CreateWaitMs = 500

		launcher = &fakeLauncher{}
		editsMu.Lock()
		edits = nil
		editsMu.Unlock()
	})

	AfterEach(func() {
		if h != nil {
			Expect(h.Stop(context.Background())).To(Succeed())
			h = nil
		}
		cancel()
	})

	Describe("New", func() {
		It("rejects an invalid configuration", func() {
			cfg.Agent.Command = nil
			_, err := host.New(cfg, callbacks())
			Expect(err).To(MatchError(ContainSubstring("Command")))
		})
	})

	Describe("Start", func() {
		It("runs the initialize handshake", func() {
			h = newHost()
			Expect(h.Start(ctx)).To(Succeed())

			fa := launcher.last()
			Eventually(fa.methods).Should(Equal([]string{protocol.MethodInitialize, protocol.MethodInitialized}))

			info := decodeParams[protocol.ClientInfo](fa.find(protocol.MethodInitialize))
			Expect(info.Name).To(Equal("agenthost"))
			Expect(info.Version).To(Equal("1.2.3"))
			Expect(info.WorkspaceRootURI).To(HavePrefix("file://"))
			Expect(info.Capabilities).NotTo(BeNil())
			Expect(info.Capabilities.Edit).To(Equal("enabled"))
			Expect(info.Capabilities.ShowDocument).To(Equal("none"))
			Expect(info.Capabilities.Webview).To(Equal("native"))
			Expect(info.Capabilities.WebviewMessages).To(Equal("string-encoded"))
			Expect(info.Capabilities.WebviewNativeConfig).NotTo(BeNil())
			Expect(info.Capabilities.WebviewNativeConfig.CSPSource).To(ContainSubstring(h.BaseURL()))
			Expect(info.Capabilities.WebviewNativeConfig.WebviewBundleServingPrefix).To(Equal(h.BaseURL() + "/assets"))

			Expect(h.Instance().ServerInfo().Name).To(Equal("fake-agent"))
		})

		It("publishes session.started", func() {
			h = newHost()
			started, unsubscribe := collect(h.Bus(), event.SessionStarted)
			defer unsubscribe()

			Expect(h.Start(ctx)).To(Succeed())

			var ev event.Event
			Eventually(started).Should(Receive(&ev))
			data, err := event.Decode[event.SessionData](ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(data.InstanceID).To(Equal(h.Instance().ID()))
			Expect(data.SessionID).To(Equal(h.Instance().Session().ID()))
		})

		It("retries a failed start", func() {
			launcher.failFirst = 1
			h = newHost()
			Expect(h.Start(ctx)).To(Succeed())
			Expect(launcher.count()).To(Equal(2))
			Expect(h.Instance()).NotTo(BeNil())
		})

		It("gives up after the configured attempts", func() {
			launcher.failFirst = 10
			cfg.Agent.StartAttempts = 3
			h = newHost()
			err := h.Start(ctx)
			Expect(err).To(MatchError(ContainSubstring("initialize")))
			Expect(launcher.count()).To(Equal(3))
			Expect(h.Instance()).To(BeNil())
		})
	})

	Describe("agent requests", func() {
		var fa *fakeAgent

		BeforeEach(func() {
			h = newHost()
			Expect(h.Start(ctx)).To(Succeed())
			fa = launcher.last()
		})

		It("routes to the registered callback", func() {
			resp, err := fa.call(ctx, protocol.MethodTextDocumentEdit, protocol.TextDocumentEditParams{URI: "file:///a.go"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Error).To(BeNil())
			Expect(string(resp.Result)).To(Equal("true"))

			editsMu.Lock()
			defer editsMu.Unlock()
			Expect(edits).To(HaveLen(1))
			Expect(edits[0].URI).To(Equal("file:///a.go"))
		})

		It("answers method not found without a callback", func() {
			resp, err := fa.call(ctx, protocol.MethodTextDocumentShow, map[string]any{"uri": "file:///a.go"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Error).NotTo(BeNil())
			Expect(resp.Error.Code).To(Equal(jsonrpc.CodeMethodNotFound))
			Expect(resp.Error.Message).To(Equal("No callback registered for textDocument/show"))
		})

		It("serves the main page of a created webview", func() {
			created, unsubscribe := collect(h.Bus(), event.WebviewCreated)
			defer unsubscribe()

			Expect(fa.notify(protocol.MethodWebviewCreatePanel, protocol.CreateWebviewPanelParams{
				Handle:   "panel-1",
				ViewType: "cody.chat",
				Title:    "Chat",
				Options:  protocol.WebviewOptions{EnableScripts: true},
			})).To(Succeed())
			Expect(fa.notify(protocol.MethodWebviewSetHTML, protocol.SetHTMLParams{
				Handle: "panel-1",
				HTML:   "<html><head></head><body>hello chat</body></html>",
			})).To(Succeed())

			var ev event.Event
			Eventually(created).Should(Receive(&ev))
			data, err := event.Decode[event.WebviewData](ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Handle).To(Equal("panel-1"))
			Expect(data.ViewType).To(Equal("cody.chat"))

			Eventually(func(g Gomega) {
				resp, err := http.Get(h.BaseURL() + "/webview/panel-1/main-resource")
				g.Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(resp.StatusCode).To(Equal(http.StatusOK))
				g.Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/html"))
				g.Expect(string(body)).To(ContainSubstring("hello chat"))
			}).Should(Succeed())
		})

		It("pushes theme changes to the provider", func() {
			theme := webview.Theme{IsDark: true, Name: "Darcula", Variables: map[string]string{"--fg": "#ddd"}}
			Expect(h.UpdateTheme(theme)).To(Succeed())

			Eventually(func() *webview.Theme {
				return h.Instance().Provider().Theme()
			}).Should(Equal(&theme))
			Expect(h.Theme()).To(Equal(&theme))
		})
	})

	Describe("lifecycle", func() {
		It("restarts with a fresh session", func() {
			h = newHost()
			Expect(h.Start(ctx)).To(Succeed())
			first := launcher.last()
			oldSession := h.Instance().Session().ID()

			Expect(h.Restart(ctx)).To(Succeed())
			Expect(h.Instance().Session().ID()).NotTo(Equal(oldSession))
			Expect(launcher.last()).NotTo(BeIdenticalTo(first))
			Eventually(first.methods).Should(ContainElements(protocol.MethodShutdown, protocol.MethodExit))
		})

		It("keeps exactly one session across concurrent restarts", func() {
			h = newHost()
			Expect(h.Start(ctx)).To(Succeed())

			var wg sync.WaitGroup
			errs := make(chan error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					errs <- h.Restart(ctx)
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(launcher.count()).To(Equal(3))
			Expect(launcher.alive()).To(Equal(1))
			Expect(h.Instance().Session().Alive()).To(BeTrue())

			Expect(h.Stop(ctx)).To(Succeed())
			h = nil
			Expect(launcher.alive()).To(Equal(0))
		})

		It("sends shutdown and exit on Stop", func() {
			h = newHost()
			Expect(h.Start(ctx)).To(Succeed())
			fa := launcher.last()
			stopped, unsubscribe := collect(h.Bus(), event.SessionStopped)

			Expect(h.Stop(ctx)).To(Succeed())
			unsubscribe()
			h = nil

			Eventually(fa.methods).Should(Equal([]string{
				protocol.MethodInitialize,
				protocol.MethodInitialized,
				protocol.MethodShutdown,
				protocol.MethodExit,
			}))
			var ev event.Event
			Expect(stopped).To(Receive(&ev))
			data, err := event.Decode[event.SessionData](ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Reason).To(Equal("stopped"))
		})

		It("refuses to start after Stop", func() {
			h = newHost()
			Expect(h.Stop(ctx)).To(Succeed())
			Expect(h.Start(ctx)).To(MatchError(host.ErrStopped))
			h = nil
		})

		It("reports an agent that dies", func() {
			h = newHost()
			stopped, unsubscribe := collect(h.Bus(), event.SessionStopped)
			defer unsubscribe()
			Expect(h.Start(ctx)).To(Succeed())

			launcher.last().die()

			var ev event.Event
			Eventually(stopped).Should(Receive(&ev))
			data, err := event.Decode[event.SessionData](ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(data.Reason).NotTo(BeEmpty())
			Expect(data.Reason).NotTo(Equal("stopped"))
			Eventually(h.Instance().Session().Alive).Should(BeFalse())
		})
	})

	Describe("theme file", func() {
		It("loads the theme and follows changes", func() {
			file := filepath.Join(GinkgoT().TempDir(), "theme.json")
			Expect(os.WriteFile(file, []byte(`{
				// light by default
				"isDark": false,
				"name": "Light",
			}`), 0o644)).To(Succeed())
			cfg.Theme.File = file

			h = newHost()
			Expect(h.Start(ctx)).To(Succeed())
			Expect(h.Theme().Name).To(Equal("Light"))
			Expect(h.Instance().Provider().Theme().Name).To(Equal("Light"))

			Expect(os.WriteFile(file, []byte(`{"isDark": true, "name": "Dark"}`), 0o644)).To(Succeed())
			Eventually(func() *webview.Theme {
				return h.Instance().Provider().Theme()
			}, 3*time.Second).Should(Equal(&webview.Theme{IsDark: true, Name: "Dark"}))
		})
	})
})

var _ = Describe("LoadTheme", func() {
	It("accepts comments and trailing commas", func() {
		file := filepath.Join(GinkgoT().TempDir(), "theme.jsonc")
		Expect(os.WriteFile(file, []byte(`{"name": "High Contrast", /* dark */ "isDark": true, "variables": {"--bg": "#000",},}`), 0o644)).To(Succeed())

		t, err := host.LoadTheme(file)
		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(webview.Theme{IsDark: true, Name: "High Contrast", Variables: map[string]string{"--bg": "#000"}}))
	})

	It("fails on a missing file", func() {
		_, err := host.LoadTheme(filepath.Join(GinkgoT().TempDir(), "absent.json"))
		Expect(err).To(HaveOccurred())
	})
})
