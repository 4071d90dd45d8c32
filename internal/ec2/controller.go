package ec2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/ethereum/go-ethereum/log"
)

var ErrInstanceNotFound = errors.New("ec2 instance not found")

type AddressType string

const (
	PrivateAddress AddressType = "private"
	PublicAddress  AddressType = "public"
)

// Controller starts and stops the EC2 instance that hosts the proving
// service, and reports the service address.
type Controller struct {
	client      ec2iface.EC2API
	instanceId  string
	addressType AddressType
	urlSchema   string
	port        int
	log         log.Logger

	mu        sync.Mutex
	ipAddress string
	running   bool
}

func NewController(region, instanceId string, addressType AddressType, urlSchema string, port int) (*Controller, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create ec2 session: %w", err)
	}
	return NewControllerWithClient(ec2.New(sess), instanceId, addressType, urlSchema, port), nil
}

func NewControllerWithClient(client ec2iface.EC2API, instanceId string, addressType AddressType, urlSchema string, port int) *Controller {
	if urlSchema == "" {
		urlSchema = "http"
	}
	return &Controller{
		client:      client,
		instanceId:  instanceId,
		addressType: addressType,
		urlSchema:   urlSchema,
		port:        port,
		log:         log.New("module", "ec2", "instance", instanceId),
	}
}

func (c *Controller) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urlSchema + "://" + net.JoinHostPort(c.ipAddress, strconv.Itoa(c.port))
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Refresh reloads the instance state and address.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateState(ctx)
}

func (c *Controller) updateState(ctx context.Context) error {
	instance, err := c.findInstance(ctx)
	if err != nil {
		return err
	}
	state := aws.StringValue(instance.State.Name)
	c.running = state == ec2.InstanceStateNameRunning || state == ec2.InstanceStateNamePending
	for _, networkInterface := range instance.NetworkInterfaces {
		for _, ipAddress := range networkInterface.PrivateIpAddresses {
			if c.addressType == PublicAddress {
				if ipAddress.Association != nil && aws.StringValue(ipAddress.Association.PublicIp) != "" {
					c.ipAddress = aws.StringValue(ipAddress.Association.PublicIp)
				}
				continue
			}
			c.ipAddress = aws.StringValue(ipAddress.PrivateIpAddress)
		}
	}
	return nil
}

func (c *Controller) findInstance(ctx context.Context) (*ec2.Instance, error) {
	output, err := c.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: c.instanceIds()})
	if err != nil {
		return nil, err
	}
	if len(output.Reservations) == 0 || len(output.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, c.instanceId)
	}
	return output.Reservations[0].Instances[0], nil
}

// StartIfNotRunning starts the instance and waits until EC2 reports it
// running, so its address is known.
func (c *Controller) StartIfNotRunning(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.updateState(ctx); err != nil {
		return err
	}
	if c.running && c.ipAddress != "" {
		return nil
	}
	if !c.running {
		c.log.Info("Starting prover instance")
		_, err := c.client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{InstanceIds: c.instanceIds()})
		if err != nil {
			c.log.Error("Failed to start prover instance", "err", err)
			return err
		}
	}
	err := c.client.WaitUntilInstanceRunningWithContext(ctx, &ec2.DescribeInstancesInput{InstanceIds: c.instanceIds()})
	if err != nil {
		return err
	}
	return c.updateState(ctx)
}

func (c *Controller) StopIfRunning(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	_, err := c.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{InstanceIds: c.instanceIds()})
	if err != nil {
		c.log.Warn("Failed to stop prover instance", "err", err)
		return
	}
	c.log.Info("Stopped prover instance")
	c.running = false
}

func (c *Controller) instanceIds() []*string { return []*string{aws.String(c.instanceId)} }
