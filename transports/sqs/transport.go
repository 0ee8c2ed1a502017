// Package sqs implements messaging.Transport for Amazon SQS.
//
// Connection strings take the form
//
//	sqs://[ACCESS_KEY_ID:SECRET_ACCESS_KEY@]REGION[?endpoint=URL]
//
// Without credentials in the URL the default AWS credential chain is used.
// The endpoint parameter points the client at an SQS-compatible service.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/glimte/qrelay/messaging"
)

const (
	transportName = "sqs"

	maxWaitTimeSeconds = 20
	maxBatchSize       = 10
)

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Transport dials SQS clients for one region
type Transport struct {
	region    string
	endpoint  string
	accessKey string
	secretKey string
	logger    *slog.Logger
	newClient func(ctx context.Context) (sqsAPI, error)
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport parses an sqs:// connection string
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	u, err := url.Parse(connectionString)
	if err != nil || u.Scheme != "sqs" || u.Host == "" {
		return nil, fmt.Errorf("%w: expected sqs://REGION", messaging.ErrInvalidConnectionString)
	}

	t := &Transport{
		region:   u.Hostname(),
		endpoint: u.Query().Get("endpoint"),
		logger:   slog.Default(),
	}
	if u.User != nil {
		t.accessKey = u.User.Username()
		t.secretKey, _ = u.User.Password()
	}

	for _, opt := range options {
		opt(t)
	}

	t.newClient = t.loadClient
	return t, nil
}

// loadOptions pins the region and disables SDK retries so each operation
// is a single attempt
func (t *Transport) loadOptions() []func(*config.LoadOptions) error {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(t.region),
		config.WithRetryMaxAttempts(1),
	}
	if t.accessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(t.accessKey, t.secretKey, "")))
	}
	return loadOpts
}

func (t *Transport) loadClient(ctx context.Context) (sqsAPI, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, t.loadOptions()...)
	if err != nil {
		return nil, err
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if t.endpoint != "" {
			o.BaseEndpoint = aws.String(t.endpoint)
		}
	}), nil
}

// Name implements messaging.Transport
func (t *Transport) Name() string {
	return transportName
}

// Dial implements messaging.Transport. SQS is request based, so the returned
// connection holds a client and no network resources.
func (t *Transport) Dial(ctx context.Context) (messaging.Conn, error) {
	client, err := t.newClient(ctx)
	if err != nil {
		return nil, messaging.NewTransportError(transportName, "dial", "", messaging.KindConfiguration, err)
	}

	t.logger.Debug("created sqs client", "region", t.region)
	return &conn{client: client}, nil
}

type conn struct {
	client sqsAPI
}

// queueURL accepts either a queue URL or a queue name
func (c *conn) queueURL(ctx context.Context, queue string) (string, error) {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue, nil
	}

	out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.QueueUrl), nil
}

func (c *conn) NewSender(ctx context.Context, queue string) (messaging.Sender, error) {
	queueURL, err := c.queueURL(ctx, queue)
	if err != nil {
		return nil, transportError("open sender", queue, err)
	}
	return &sender{client: c.client, queue: queue, queueURL: queueURL}, nil
}

func (c *conn) NewReceiver(ctx context.Context, queue string) (messaging.Receiver, error) {
	queueURL, err := c.queueURL(ctx, queue)
	if err != nil {
		return nil, transportError("open receiver", queue, err)
	}
	return &receiver{client: c.client, queue: queue, queueURL: queueURL}, nil
}

func (c *conn) Close(ctx context.Context) error {
	return nil
}

type sender struct {
	client   sqsAPI
	queue    string
	queueURL string
}

func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(msg.Body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"ContentType": {DataType: aws.String("String"), StringValue: aws.String(msg.ContentType)},
			"MessageId":   {DataType: aws.String("String"), StringValue: aws.String(msg.ID)},
		},
	})
	if err != nil {
		return transportError("send", s.queue, err)
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	return nil
}

type receiver struct {
	client   sqsAPI
	queue    string
	queueURL string
}

// Receive long-polls for up to wait, rounded up to whole seconds and capped
// at the service maximum of 20 seconds.
func (r *receiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]messaging.Delivery, error) {
	waitSeconds := int32(math.Ceil(wait.Seconds()))
	waitSeconds = min(max(waitSeconds, 0), maxWaitTimeSeconds)
	batch := int32(min(max(maxMessages, 1), maxBatchSize))

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(waitSeconds+5)*time.Second)
	defer cancel()

	out, err := r.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(r.queueURL),
		MaxNumberOfMessages:   batch,
		WaitTimeSeconds:       waitSeconds,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, transportError("receive", r.queue, err)
	}

	deliveries := make([]messaging.Delivery, 0, len(out.Messages))
	for i := range out.Messages {
		deliveries = append(deliveries, &delivery{m: out.Messages[i]})
	}
	return deliveries, nil
}

// Complete deletes the message using its receipt handle
func (r *receiver) Complete(ctx context.Context, d messaging.Delivery) error {
	sd, ok := d.(*delivery)
	if !ok {
		return transportError("complete", r.queue, messaging.ErrForeignDelivery)
	}

	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: sd.m.ReceiptHandle,
	})
	if err != nil {
		return transportError("complete", r.queue, err)
	}
	return nil
}

// Close is a no-op; undeleted messages reappear after their visibility timeout
func (r *receiver) Close(ctx context.Context) error {
	return nil
}

type delivery struct {
	m sqstypes.Message
}

// ID prefers the identifier set by the sender over the one SQS assigned
func (d *delivery) ID() string {
	if attr, ok := d.m.MessageAttributes["MessageId"]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return aws.ToString(d.m.MessageId)
}

func (d *delivery) Body() ([]byte, error) {
	return []byte(aws.ToString(d.m.Body)), nil
}

func transportError(op, queue string, err error) error {
	return messaging.NewTransportError(transportName, op, queue, classify(err), err)
}

func classify(err error) messaging.Kind {
	var notFound *sqstypes.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return messaging.KindNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return messaging.KindNotFound
		case "AccessDenied", "AccessDeniedException", "InvalidClientTokenId",
			"UnrecognizedClientException", "SignatureDoesNotMatch", "ExpiredToken":
			return messaging.KindUnauthorized
		case "RequestThrottled", "ThrottlingException":
			return messaging.KindTimeout
		}
		return messaging.KindProtocol
	}

	return messaging.KindOf(err)
}
