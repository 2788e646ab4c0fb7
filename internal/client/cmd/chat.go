package cmd

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/whisperwire/whisperwire/internal/logger"
	"github.com/whisperwire/whisperwire/internal/room"
	"github.com/whisperwire/whisperwire/internal/rtc"
	"github.com/whisperwire/whisperwire/internal/signaling"
)

// consoleListener prints room events to stdout. The manager calls it from
// its own goroutine, so plain Printf is enough.
type consoleListener struct {
	self   string
	fatals chan error
}

func (c *consoleListener) OnPeerConnected(room, user string) {
	fmt.Printf("* %s is now reachable\n", user)
}

func (c *consoleListener) OnPeerDisconnected(room, user string) {
	fmt.Printf("* %s disconnected\n", user)
}

func (c *consoleListener) OnChatMessage(room, sender, text string) {
	if sender == c.self {
		fmt.Printf("[%s] you: %s\n", room, text)
		return
	}
	fmt.Printf("[%s] %s: %s\n", room, sender, text)
}

func (c *consoleListener) OnSystemNotice(room, notice string) {
	fmt.Printf("* %s\n", notice)
}

func (c *consoleListener) OnFileOffer(_ string, offer room.FileOffer) {
	fmt.Printf("* %s shared %s (%d bytes, sha256 %s)\n", offer.Sender, offer.FileName, offer.FileSize, offer.FileHash)
}

func (c *consoleListener) OnFatalError(err error) {
	c.fatals <- err
}

func runChat(cmd *cobra.Command, args []string) {
	log := logger.NewLogger()

	engine := rtc.NewEngine(rtc.DefaultSTUNServers)

	listener := &consoleListener{self: userName, fatals: make(chan error, 1)}
	manager, err := room.NewManager(room.Config{
		Identity: userName,
		Engine:   engine,
		Signaler: signaling.NewClient(serverURL, log),
		Listener: listener,
		Logger:   log,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer manager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.JoinRoom(ctx, roomName, password); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("joined %s as %s, type a message or /help\n", roomName, userName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigChan:
			fmt.Println("leaving room")
			manager.LeaveRoom()
			return
		case err := <-listener.fatals:
			log.Errorf("connection lost: %v", err)
			return
		case line, ok := <-lines:
			if !ok {
				manager.LeaveRoom()
				return
			}
			if done := handleLine(ctx, manager, line); done {
				return
			}
		}
	}
}

// handleLine runs one line of user input. Returns true when the user quit.
func handleLine(ctx context.Context, manager *room.Manager, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := manager.SendChat(line); err != nil {
			fmt.Printf("! %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println("/peers  /history  /share path/to/file  /join room password  /leave  /quit")
	case "/peers":
		peers := manager.Peers()
		if len(peers) == 0 {
			fmt.Println("* nobody else is connected")
			return false
		}
		fmt.Printf("* connected: %s\n", strings.Join(peers, ", "))
	case "/history":
		for _, entry := range manager.History(roomName) {
			fmt.Printf("  %s: %s\n", entry.Sender, entry.Text)
		}
	case "/share":
		if len(fields) != 2 {
			fmt.Println("! usage: /share path/to/file")
			return false
		}
		if err := shareFile(manager, fields[1]); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/join":
		if len(fields) != 3 {
			fmt.Println("! usage: /join room password")
			return false
		}
		if err := manager.JoinRoom(ctx, fields[1], fields[2]); err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		roomName = fields[1]
		fmt.Printf("joined %s\n", roomName)
	case "/leave":
		if err := manager.LeaveRoom(); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/quit":
		manager.LeaveRoom()
		return true
	default:
		fmt.Printf("! unknown command %s\n", fields[0])
	}
	return false
}

// shareFile announces a local file to the room. Only the metadata travels
// over the data channel.
func shareFile(manager *room.Manager, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return err
	}

	return manager.SendFileOffer(room.FileOffer{
		FileName: filepath.Base(path),
		FileSize: info.Size(),
		FileHash: fmt.Sprintf("%x", hash.Sum(nil)),
	})
}
