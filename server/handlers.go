package server

import (
	"fmt"

	"github.com/gogpu/gpuwire/native"
	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

// label names native objects after their wire id, for native debug output.
func label(typ objects.ObjectType, id uint32) string {
	return fmt.Sprintf("%s#%d", typ, id)
}

func (s *Server) deviceGetQueue(c *protocol.DeviceGetQueueCmd) (bool, error) {
	var dev native.Device
	return create(s, s.queues, c.Result, nil,
		func() (err error) {
			dev, err = resolve(s.devices, c.Device)
			return err
		},
		func() (native.Queue, error) {
			return dev.Queue()
		})
}

func (s *Server) deviceCreateBuffer(c *protocol.DeviceCreateBufferCmd) (bool, error) {
	var dev native.Device
	placeholder := newBufferInfo(nil, c.Size, c.MappedAtCreation)
	return create(s, s.buffers, c.Result, placeholder,
		func() (err error) {
			dev, err = resolve(s.devices, c.Device)
			return err
		},
		func() (*bufferInfo, error) {
			buf, err := dev.CreateBuffer(&native.BufferDescriptor{
				Label:            label(objects.TypeBuffer, c.Result),
				Size:             c.Size,
				Usage:            c.Usage,
				MappedAtCreation: c.MappedAtCreation,
			})
			if err != nil {
				return nil, err
			}
			return newBufferInfo(buf, c.Size, c.MappedAtCreation), nil
		})
}

func (s *Server) deviceCreateShaderModule(c *protocol.DeviceCreateShaderModuleCmd) (bool, error) {
	var dev native.Device
	return create(s, s.shaderModules, c.Result, nil,
		func() (err error) {
			dev, err = resolve(s.devices, c.Device)
			return err
		},
		func() (native.ShaderModule, error) {
			return dev.CreateShaderModule(&native.ShaderModuleDescriptor{
				Label: label(objects.TypeShaderModule, c.Result),
				WGSL:  c.Source,
			})
		})
}

func (s *Server) deviceCreateCommandEncoder(c *protocol.DeviceCreateCommandEncoderCmd) (bool, error) {
	var dev native.Device
	return create(s, s.encoders, c.Result, nil,
		func() (err error) {
			dev, err = resolve(s.devices, c.Device)
			return err
		},
		func() (native.CommandEncoder, error) {
			return dev.CreateCommandEncoder(label(objects.TypeCommandEncoder, c.Result))
		})
}

func (s *Server) deviceTick(c *protocol.DeviceTickCmd) (bool, error) {
	var dev native.Device
	return s.call(
		func() (err error) {
			dev, err = resolve(s.devices, c.Device)
			return err
		},
		func() error {
			return dev.Tick()
		})
}

func (s *Server) deviceLoseForTesting(c *protocol.DeviceLoseForTestingCmd) (bool, error) {
	var dev native.Device
	return s.call(
		func() (err error) {
			dev, err = resolve(s.devices, c.Device)
			return err
		},
		func() error {
			dev.LoseForTesting()
			return nil
		})
}

func (s *Server) queueCreateFence(c *protocol.QueueCreateFenceCmd) (bool, error) {
	var q native.Queue
	return create(s, s.fences, c.Result, nil,
		func() (err error) {
			q, err = resolve(s.queues, c.Queue)
			return err
		},
		func() (native.Fence, error) {
			return q.CreateFence(c.InitialValue)
		})
}

func (s *Server) queueSignal(c *protocol.QueueSignalCmd) (bool, error) {
	var (
		q native.Queue
		f native.Fence
	)
	return s.call(
		func() error {
			var qerr, ferr error
			q, qerr = resolve(s.queues, c.Queue)
			f, ferr = resolve(s.fences, c.Fence)
			return firstError(qerr, ferr)
		},
		func() error {
			return q.Signal(f, c.Value)
		})
}

func (s *Server) queueSubmit(c *protocol.QueueSubmitCmd) (bool, error) {
	if len(c.CommandBuffers) > s.opts.maxSubmitCount {
		return false, violation("submit of %d command buffers exceeds %d", len(c.CommandBuffers), s.opts.maxSubmitCount)
	}
	var (
		q   native.Queue
		cbs []native.CommandBuffer
	)
	return s.call(
		func() error {
			errs := make([]error, 0, len(c.CommandBuffers)+1)
			var err error
			q, err = resolve(s.queues, c.Queue)
			errs = append(errs, err)
			cbs = make([]native.CommandBuffer, len(c.CommandBuffers))
			for i, id := range c.CommandBuffers {
				cbs[i], err = resolve(s.commandBuffers, id)
				errs = append(errs, err)
			}
			return firstError(errs...)
		},
		func() error {
			return q.Submit(cbs)
		})
}

func (s *Server) queueWriteBuffer(c *protocol.QueueWriteBufferCmd) (bool, error) {
	var (
		q native.Queue
		b *bufferInfo
	)
	return s.call(
		func() error {
			var qerr, berr error
			q, qerr = resolve(s.queues, c.Queue)
			b, berr = resolve(s.buffers, c.Buffer)
			return firstError(qerr, berr)
		},
		func() error {
			return q.WriteBuffer(b.handle, c.Offset, c.Data)
		})
}

func (s *Server) copyBufferToBuffer(c *protocol.CommandEncoderCopyBufferToBufferCmd) (bool, error) {
	var (
		enc      native.CommandEncoder
		src, dst *bufferInfo
	)
	return s.call(
		func() error {
			var eerr, serr, derr error
			enc, eerr = resolve(s.encoders, c.Encoder)
			src, serr = resolve(s.buffers, c.Source)
			dst, derr = resolve(s.buffers, c.Destination)
			return firstError(eerr, serr, derr)
		},
		func() error {
			return enc.CopyBufferToBuffer(src.handle, c.SourceOffset, dst.handle, c.DestinationOffset, c.Size)
		})
}

func (s *Server) commandEncoderFinish(c *protocol.CommandEncoderFinishCmd) (bool, error) {
	var enc native.CommandEncoder
	return create(s, s.commandBuffers, c.Result, nil,
		func() (err error) {
			enc, err = resolve(s.encoders, c.Encoder)
			return err
		},
		func() (native.CommandBuffer, error) {
			return enc.Finish()
		})
}
