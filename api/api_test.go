// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/orbitfleet/gateway/api"
	"github.com/orbitfleet/gateway/auth"
	"github.com/orbitfleet/gateway/broker/dummy"
	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/router"
	"github.com/orbitfleet/gateway/storage/memory"
	"github.com/orbitfleet/gateway/tracker"
	"github.com/orbitfleet/gateway/types"
)

// fakeExchanger skips the round trip to the identity provider
type fakeExchanger struct {
	identity *auth.Identity
}

func (f *fakeExchanger) LoginURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (*auth.Identity, error) {
	return f.identity, nil
}

func TestAPI(t *testing.T) {
	Convey("Given a running API server", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		store := memory.NewStore()
		reg := registry.New(store, ctx)
		backend := dummy.New(ctx)

		trk := tracker.New(reg, time.Minute, ctx)
		trk.AddBackend(backend)
		rtr := router.New(reg, store, time.Second, ctx)
		rtr.AddBackend(backend)
		trk.SetAckHandler(rtr)
		trk.Start()
		rtr.Start()
		defer func() {
			rtr.Stop()
			trk.Stop()
		}()

		exchanger := &fakeExchanger{identity: &auth.Identity{
			Subject: "google|123", Email: "ada@example.com", Name: "Ada",
		}}
		server := api.New(api.Config{
			Registry:  reg,
			Tracker:   trk,
			Router:    rtr,
			Tokens:    auth.NewTokens([]byte("test-secret"), time.Hour),
			Exchanger: exchanger,
			States:    auth.NewMemory(),
		}, ctx)

		ts := httptest.NewServer(server.Handler())
		defer ts.Close()

		client := &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}

		login := func() string {
			res, err := client.Get(ts.URL + "/auth/login")
			So(err, ShouldBeNil)
			defer res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusTemporaryRedirect)
			location, err := url.Parse(res.Header.Get("Location"))
			So(err, ShouldBeNil)
			state := location.Query().Get("state")
			So(state, ShouldNotBeEmpty)

			res, err = client.Get(ts.URL + "/auth/callback?code=test-code&state=" + state)
			So(err, ShouldBeNil)
			defer res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusOK)
			var body map[string]string
			So(json.NewDecoder(res.Body).Decode(&body), ShouldBeNil)
			So(body["token"], ShouldNotBeEmpty)
			return body["token"]
		}

		do := func(method, path, token string, body interface{}) *http.Response {
			var reader *bytes.Reader
			if body != nil {
				encoded, err := json.Marshal(body)
				So(err, ShouldBeNil)
				reader = bytes.NewReader(encoded)
			} else {
				reader = bytes.NewReader(nil)
			}
			req, err := http.NewRequest(method, ts.URL+path, reader)
			So(err, ShouldBeNil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			res, err := client.Do(req)
			So(err, ShouldBeNil)
			return res
		}

		Convey("The health endpoint should respond", func() {
			res, err := client.Get(ts.URL + "/healthz")
			So(err, ShouldBeNil)
			defer res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("Requests without a token should be unauthorized", func() {
			res := do("GET", "/devices", "", nil)
			defer res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("A callback with an unknown state should be rejected", func() {
			res, err := client.Get(ts.URL + "/auth/callback?code=test-code&state=forged")
			So(err, ShouldBeNil)
			defer res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("After logging in", func() {
			token := login()

			Convey("The account should be visible", func() {
				res := do("GET", "/me", token, nil)
				defer res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				var account registry.Account
				So(json.NewDecoder(res.Body).Decode(&account), ShouldBeNil)
				So(account.Email, ShouldEqual, "ada@example.com")
			})

			Convey("When registering a device", func() {
				res := do("POST", "/devices", token, map[string]string{"label": "pump-1"})
				defer res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusCreated)
				var device registry.Device
				So(json.NewDecoder(res.Body).Decode(&device), ShouldBeNil)
				So(device.Label, ShouldEqual, "pump-1")
				devicePath := "/devices/" + device.ID.String()

				Convey("It should be listed", func() {
					res := do("GET", "/devices", token, nil)
					defer res.Body.Close()
					So(res.StatusCode, ShouldEqual, http.StatusOK)
					var devices []registry.Device
					So(json.NewDecoder(res.Body).Decode(&devices), ShouldBeNil)
					So(devices, ShouldHaveLength, 1)
				})

				Convey("It should be readable", func() {
					res := do("GET", devicePath, token, nil)
					defer res.Body.Close()
					So(res.StatusCode, ShouldEqual, http.StatusOK)
				})

				Convey("Another account should be forbidden", func() {
					exchanger.identity = &auth.Identity{Subject: "google|456", Email: "eve@example.com", Name: "Eve"}
					strangerToken := login()
					res := do("GET", devicePath, strangerToken, nil)
					defer res.Body.Close()
					So(res.StatusCode, ShouldEqual, http.StatusForbidden)
				})

				Convey("It should be renameable", func() {
					res := do("PUT", devicePath, token, map[string]string{"label": "pump-2"})
					defer res.Body.Close()
					So(res.StatusCode, ShouldEqual, http.StatusOK)
					var renamed registry.Device
					So(json.NewDecoder(res.Body).Decode(&renamed), ShouldBeNil)
					So(renamed.Label, ShouldEqual, "pump-2")
				})

				Convey("Commands to an offline device should conflict", func() {
					res := do("POST", devicePath+"/commands", token, map[string]interface{}{
						"payload": map[string]string{"action": "reboot"},
					})
					defer res.Body.Close()
					So(res.StatusCode, ShouldEqual, http.StatusConflict)
				})

				Convey("When the device comes online", func() {
					So(backend.PublishConnect(&types.ConnectMessage{
						DeviceID: device.ID.String(), Time: time.Now().UTC(),
					}), ShouldBeNil)
					time.Sleep(50 * time.Millisecond)

					Convey("Submitting a command should succeed", func() {
						res := do("POST", devicePath+"/commands", token, map[string]interface{}{
							"payload": map[string]string{"action": "reboot"},
						})
						defer res.Body.Close()
						So(res.StatusCode, ShouldEqual, http.StatusCreated)
						var command router.Command
						So(json.NewDecoder(res.Body).Decode(&command), ShouldBeNil)
						So(command.Status, ShouldEqual, router.Sent)

						Convey("And the command should be readable", func() {
							res := do("GET", devicePath+"/commands/"+command.ID.String(), token, nil)
							defer res.Body.Close()
							So(res.StatusCode, ShouldEqual, http.StatusOK)
						})
					})

					Convey("The live stream should deliver telemetry", func() {
						wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + devicePath + "/live"
						header := http.Header{"Authorization": []string{"Bearer " + token}}
						conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
						So(err, ShouldBeNil)
						defer conn.Close()
						time.Sleep(50 * time.Millisecond)

						So(backend.PublishTelemetry(&types.TelemetryMessage{
							DeviceID: device.ID.String(),
							Time:     time.Now().UTC(),
							Payload:  json.RawMessage(`{"temperature":21.5}`),
						}), ShouldBeNil)

						conn.SetReadDeadline(time.Now().Add(2 * time.Second))
						var msg types.TelemetryMessage
						So(conn.ReadJSON(&msg), ShouldBeNil)
						So(msg.DeviceID, ShouldEqual, device.ID.String())
					})
				})

				Convey("When revoking the device", func() {
					res := do("DELETE", devicePath, token, nil)
					defer res.Body.Close()
					So(res.StatusCode, ShouldEqual, http.StatusNoContent)

					Convey("It should be gone", func() {
						res := do("GET", devicePath, token, nil)
						defer res.Body.Close()
						So(res.StatusCode, ShouldEqual, http.StatusNotFound)
					})
				})
			})

			Convey("Registering a device without a label should be a bad request", func() {
				res := do("POST", "/devices", token, map[string]string{})
				defer res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
			})

			Convey("An unknown device should be not found", func() {
				res := do("GET", fmt.Sprintf("/devices/%s", "11111111-1111-1111-1111-111111111111"), token, nil)
				defer res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusNotFound)
			})
		})
	})
}
