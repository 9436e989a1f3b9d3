package commands

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lodestone-chat/lodestone/pkg/client"
	"github.com/lodestone-chat/lodestone/pkg/identity"
	"github.com/lodestone-chat/lodestone/pkg/protocol"
)

func connectCmd() *cobra.Command {
	var playerName string
	var sessionToken string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a server and stay online until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(io.Discard, "", 0)
			if verbose {
				logger = log.New(os.Stderr, "lodestone: ", log.LstdFlags)
			}

			c, err := client.NewClient(client.Config{
				ServerAddr:   serverAddr,
				DataDir:      dataDir,
				PlayerName:   playerName,
				SessionToken: sessionToken,
				Logger:       logger,
				Events: client.Events{
					RegistrationChallenge: func(url, token string) {
						fmt.Printf("Device registration required. Open this URL to continue:\n  %s\n", url)
					},
					SessionStarted: func(name string) {
						fmt.Printf("Connected as %s\n", name)
					},
					SessionFailed: func(result uint8) {
						fmt.Fprintln(os.Stderr, "Session start rejected, check your session token")
					},
					IdentityReset: func() {
						fmt.Fprintln(os.Stderr, "Local identity was reset, registering as a new device")
					},
					Disconnected: func(err error) {
						fmt.Fprintf(os.Stderr, "Disconnected: %v\n", err)
					},
					ServerError: func(code uint16, message string) {
						fmt.Fprintf(os.Stderr, "Server error %d: %s\n", code, message)
					},
				},
			})
			if err != nil {
				return err
			}
			defer c.Close()

			client.NewGroups(c, client.GroupEvents{
				Invited: func(group protocol.WireGroup, inviter uuid.UUID) {
					fmt.Printf("Invited to group %q by %s\n", group.Name, inviter)
				},
				Left: func(groupID uuid.UUID, groupDeleted bool) {
					if groupDeleted {
						fmt.Printf("Group %s was deleted\n", groupID)
					} else {
						fmt.Printf("Left group %s\n", groupID)
					}
				},
				Message: func(groupID uuid.UUID, sender identity.Identity, plaintext []byte) {
					fmt.Printf("[%s] %s: %s\n", groupID, sender.AccountID, plaintext)
				},
				Presence: func(groupID, account uuid.UUID, online bool) {
					state := "offline"
					if online {
						state = "online"
					}
					fmt.Printf("[%s] %s is now %s\n", groupID, account, state)
				},
			})
			friends := client.NewFriends(c)
			friends.Updated = func(friend protocol.WireFriend) {
				fmt.Printf("Friend %s: %s\n", friend.PlayerName, friendStateLabel(friend.State))
			}
			client.NewLocations(c)
			client.NewTextures(c)
			client.NewRecords(c)
			dm := client.NewDirectMessages(c)
			dm.Received = func(account uuid.UUID, device uint32, plaintext []byte) {
				fmt.Printf("Direct from %s: %s\n", account, plaintext)
			}

			if err := c.Connect(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			fmt.Println("Shutting down")
			return nil
		},
	}

	cmd.Flags().StringVarP(&playerName, "name", "n", "", "In-world player name")
	cmd.Flags().StringVarP(&sessionToken, "token", "t", "", "Platform session token")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("token")
	return cmd
}

func friendStateLabel(state uint8) string {
	switch state {
	case protocol.FriendAccepted:
		return "accepted"
	case protocol.FriendPendingIncoming:
		return "wants to be your friend"
	case protocol.FriendPendingOutgoing:
		return "request sent"
	case protocol.FriendRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state %d", state)
	}
}
