package webhooks

import (
	"context"
	"fmt"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// TasksSender enqueues deliveries on a Cloud Tasks queue so retries and
// backoff come from the queue instead of the gateway process.
type TasksSender struct {
	client    *cloudtasks.Client
	queuePath string
}

// NewTasksSender connects to Cloud Tasks. queuePath is the full
// projects/<p>/locations/<l>/queues/<q> resource name.
func NewTasksSender(ctx context.Context, queuePath string) (*TasksSender, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud tasks client: %w", err)
	}
	return &TasksSender{client: client, queuePath: queuePath}, nil
}

func (s *TasksSender) Send(ctx context.Context, hook *Hook, body []byte) error {
	headers := map[string]string{"Content-Type": "application/json"}
	if hook.Secret != "" {
		headers["X-Webhook-Signature"] = sign(hook.Secret, body)
	}

	_, err := s.client.CreateTask(ctx, &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        hook.URL,
					Headers:    headers,
					Body:       body,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue webhook task: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *TasksSender) Close() error {
	return s.client.Close()
}
