package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewTopicCommand builds the `quill topic` command tree over the HTTP API.
func NewTopicCommand(apiURL func() string) *cobra.Command {
	topicCmd := &cobra.Command{Use: "topic", Short: "Topic operations"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List open topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(apiURL() + "/v1/topics")
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats <topic>",
		Short: "Show topic state, segments and producers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(apiURL() + "/v1/topics/" + args[0] + "/stats")
		},
	}

	publishCmd := &cobra.Command{
		Use:   "publish <topic>",
		Short: "Publish a payload with a producer identity and sequence id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			producer, _ := cmd.Flags().GetString("producer")
			seq, _ := cmd.Flags().GetInt64("seq")
			payload, _ := cmd.Flags().GetString("payload")
			body := map[string]any{
				"producer":   producer,
				"sequenceId": seq,
				"payload":    []byte(payload),
			}
			return postJSON(apiURL()+"/v1/topics/"+args[0]+"/publish", body)
		},
	}
	publishCmd.Flags().String("producer", "cli", "Producer identity")
	publishCmd.Flags().Int64("seq", 0, "Producer-assigned sequence id")
	publishCmd.Flags().String("payload", "", "Payload text")

	entriesCmd := &cobra.Command{
		Use:   "entries <topic>",
		Short: "Read stored entries from a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seg, _ := cmd.Flags().GetUint64("from-segment")
			off, _ := cmd.Flags().GetUint64("from-offset")
			limit, _ := cmd.Flags().GetInt("limit")
			url := fmt.Sprintf("%s/v1/topics/%s/entries?fromSegment=%d&fromOffset=%d&limit=%d",
				apiURL(), args[0], seg, off, limit)
			return getJSON(url)
		},
	}
	entriesCmd.Flags().Uint64("from-segment", 0, "Start segment")
	entriesCmd.Flags().Uint64("from-offset", 0, "Start offset")
	entriesCmd.Flags().Int("limit", 100, "Max entries")

	recoverCmd := &cobra.Command{
		Use:   "recover <topic>",
		Short: "Drive recovery of a failing topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(apiURL()+"/v1/topics/"+args[0]+"/recover", nil)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <topic>",
		Short: "Remove a topic and purge its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, apiURL()+"/v1/topics/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Println("status:", resp.Status)
			return nil
		},
	}

	topicCmd.AddCommand(listCmd, statsCmd, publishCmd, entriesCmd, recoverCmd, deleteCmd)
	return topicCmd
}

func getJSON(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func postJSON(url string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printBody(resp)
}

// printBody pretty-prints a JSON response body, falling back to the raw
// status on non-2xx replies without a decodable body.
func printBody(resp *http.Response) error {
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fmt.Println("status:", resp.Status)
		if resp.StatusCode >= 300 {
			return fmt.Errorf("request failed: %s", resp.Status)
		}
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}
