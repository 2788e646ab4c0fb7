package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	userName  string
	roomName  string
	password  string
)

var rootCmd = &cobra.Command{
	Use:  `whisperwire`,
	Long: `whisperwire is an end to end encrypted peer to peer chat`,
	Run:  runChat,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&serverURL, "server", "s", "ws://localhost:8080", "signaling server url")
	rootCmd.Flags().StringVarP(&userName, "name", "n", "", "display name, must be unique in the room")
	rootCmd.Flags().StringVarP(&roomName, "room", "r", "", "room to join")
	rootCmd.Flags().StringVarP(&password, "password", "p", "", "room password, every member must use the same one")
	rootCmd.MarkFlagRequired("name")
	rootCmd.MarkFlagRequired("room")
	rootCmd.MarkFlagRequired("password")
}
