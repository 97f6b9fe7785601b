package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/Excali-Boards/boards-app-sub000/collab"
)

const BoardCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Board sync control.

Usage:
    boardctl watch --connect_url=<connect_url> --api_url=<api_url>
        [--jwt=<jwt>]
    boardctl draw --connect_url=<connect_url> --api_url=<api_url>
        [--jwt=<jwt>]
        [--count=<count>]
        [--interval=<interval_ms>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --connect_url=<connect_url>  Websocket relay url.
    --api_url=<api_url>          REST backend url.
    --jwt=<jwt>                  Board JWT. Prompted if omitted.
    --count=<count>              Number of synthetic elements to draw.
    --interval=<interval_ms>     Delay between edits in milliseconds.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BoardCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if draw_, _ := opts.Bool("draw"); draw_ {
		draw(opts)
	}
}

func readJwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	fmt.Fprint(os.Stderr, "jwt: ")
	jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read jwt (%s).", err)
	}
	return string(jwtBytes)
}

// memoryScene is a minimal stand-in for the rendering surface
type memoryScene struct {
	mutex    sync.Mutex
	elements []*collab.Element
}

func (self *memoryScene) Provider() []*collab.Element {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return collab.CloneScene(self.elements)
}

func (self *memoryScene) Update(elements []*collab.Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.elements = elements

	live := 0
	for _, element := range elements {
		if !element.Deleted {
			live += 1
		}
	}
	Out.Printf("scene: %d elements (%d live), version %d", len(elements), live, collab.SceneVersion(elements))
}

func (self *memoryScene) Put(element *collab.Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for i, existing := range self.elements {
		if existing.Id == element.Id {
			self.elements[i] = element
			return
		}
	}
	self.elements = append(self.elements, element)
}

func newCoordinator(opts docopt.Opts, scene *memoryScene) (*collab.SyncCoordinator, context.CancelFunc) {
	connectUrl, _ := opts.String("--connect_url")
	apiUrl, _ := opts.String("--api_url")
	jwt := readJwt(opts)

	roomJwt, err := collab.ParseRoomJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid jwt (%s).", err)
	}
	if roomJwt.BoardId == "" {
		Err.Fatalf("JWT does not have a board_id.")
	}
	Out.Printf("joining board %s as %s", roomJwt.BoardId, roomJwt.Username)

	cancelCtx, cancel := context.WithCancel(context.Background())

	api := collab.NewBoardsApiWithContext(cancelCtx, apiUrl)
	api.SetByJwt(jwt)

	session := collab.NewTransportSessionWithDefaults(
		cancelCtx,
		connectUrl,
		&collab.SessionAuth{
			ByJwt:      jwt,
			BoardId:    roomJwt.BoardId,
			InstanceId: collab.NewId(),
		},
	)
	files := collab.NewFileTrackerWithDefaults(cancelCtx, api, roomJwt.BoardId)
	presence := collab.NewPresenceTrackerWithDefaults()

	coordinator := collab.NewSyncCoordinatorWithDefaults(
		cancelCtx,
		session,
		files,
		presence,
		scene.Provider,
		scene.Update,
		roomJwt.ViewOnly,
	)

	coordinator.AddConnectionStatusCallback(func(status collab.ConnectionStatus) {
		Out.Printf("connection: %s", status)
	})
	coordinator.AddSavedStateCallback(func(saved bool) {
		Out.Printf("saved: %t", saved)
	})
	presence.AddCollaboratorsChangeCallback(func(collaborators []*collab.Collaborator) {
		for _, collaborator := range collaborators {
			marker := ""
			if collaborator.IsCurrentUser {
				marker = " (you)"
			}
			Out.Printf("collaborator %s %s%s [%s]", collaborator.SocketId, collaborator.Username, marker, collaborator.ActivityState)
		}
	})

	coordinator.Start()
	return coordinator, cancel
}

func awaitInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

// join a board and print remote activity until interrupted
func watch(opts docopt.Opts) {
	scene := &memoryScene{}
	coordinator, cancel := newCoordinator(opts, scene)
	defer cancel()
	defer coordinator.Stop()

	awaitInterrupt()
	Out.Printf("bye")
}

// join a board and emit synthetic edits
func draw(opts docopt.Opts) {
	count, err := opts.Int("--count")
	if err != nil || count <= 0 {
		count = 10
	}
	intervalMs, err := opts.Int("--interval")
	if err != nil || intervalMs <= 0 {
		intervalMs = 250
	}

	scene := &memoryScene{}
	coordinator, cancel := newCoordinator(opts, scene)
	defer cancel()
	defer coordinator.Stop()

	for i := 0; i < count; i += 1 {
		elementId := collab.NewId().String()
		scene.Put(&collab.Element{
			Id:           elementId,
			Version:      1,
			VersionNonce: rand.Int63(),
		})
		coordinator.OnLocalChange()
		coordinator.OnPointerMove(&collab.Pointer{
			X:    float64(rand.Intn(1000)),
			Y:    float64(rand.Intn(1000)),
			Tool: "pen",
		}, []string{elementId})
		Out.Printf("drew %s (%d/%d)", elementId, i+1, count)

		time.Sleep(time.Duration(intervalMs) * time.Millisecond)
	}

	// let the trailing snapshot land before exit
	coordinator.Flush()
	Out.Printf("done")
}
