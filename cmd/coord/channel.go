package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/pkg/models"
)

var (
	sendFrom     string
	sendJSON     string
	sendFile     string
	artifactType string
	artifactOut  string
)

var sendCmd = &cobra.Command{
	Use:   "send <recipient> [text]",
	Short: "Send a message to an agent, or to every live agent with *",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := ""
		if len(args) > 1 {
			text = args[1]
		}
		payload, err := payloadFromFlags(text, sendJSON, sendFile, models.PayloadText)
		if err != nil {
			return err
		}
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			msgs, err := c.Send(cmd.Context(), sendFrom, args[0], payload)
			if err != nil {
				return err
			}
			return emit(msgs, func() {
				printStatus("✉", fmt.Sprintf("Sent to %d recipient(s)", len(msgs)), color.FgGreen)
			})
		})
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive <agent-id>",
	Short: "Print and consume an agent's pending messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			msgs, err := c.Receive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(msgs, func() {
				if len(msgs) == 0 {
					fmt.Println("No messages.")
					return
				}
				for _, m := range msgs {
					from := m.Sender
					if from == "" {
						from = "(anonymous)"
					}
					fmt.Printf("%s %s: %s\n", color.CyanString(m.CreatedAt.Local().Format("15:04:05")), from, m.Payload)
				}
			})
		})
	},
}

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Store and fetch task artifacts",
}

var artifactPutCmd = &cobra.Command{
	Use:   "put <task-id> [file]",
	Short: "Attach a file (or stdin) to a task",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var content []byte
		var err error
		if len(args) > 1 && args[1] != "-" {
			content, err = os.ReadFile(args[1])
		} else {
			content, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read artifact: %w", err)
		}
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			id, err := c.PutArtifact(cmd.Context(), args[0], content, artifactType)
			if err != nil {
				return err
			}
			return emit(map[string]string{"id": id}, func() {
				printStatus("✓", fmt.Sprintf("Stored artifact %s (%d bytes)", id, len(content)), color.FgGreen)
			})
		})
	},
}

var artifactGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "List a task's artifacts, or write the latest with --out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			artifacts, err := c.GetArtifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if artifactOut != "" {
				if len(artifacts) == 0 {
					return fmt.Errorf("task %s has no artifacts", args[0])
				}
				latest := artifacts[len(artifacts)-1]
				if artifactOut == "-" {
					_, err := cmd.OutOrStdout().Write(latest.Content)
					return err
				}
				return os.WriteFile(artifactOut, latest.Content, 0644)
			}
			return emit(artifacts, func() {
				if len(artifacts) == 0 {
					fmt.Println("No artifacts.")
					return
				}
				for _, a := range artifacts {
					fmt.Printf("%s  %-24s %8d bytes  %s\n", a.ID, a.ContentType, len(a.Content), a.CreatedAt.Local().Format("2006-01-02 15:04:05"))
				}
			})
		})
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "Sending agent (excluded from broadcasts)")
	sendCmd.Flags().StringVar(&sendJSON, "json-payload", "", "Send a JSON object instead of text")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Send a reference to this file")

	artifactPutCmd.Flags().StringVar(&artifactType, "type", "", "Content type (default application/octet-stream)")
	artifactGetCmd.Flags().StringVarP(&artifactOut, "out", "o", "", "Write the latest artifact's content to this file, or - for stdout")

	artifactCmd.AddCommand(artifactPutCmd)
	artifactCmd.AddCommand(artifactGetCmd)
}
