package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	bluezBusName         = "org.bluez"
	bluezAdapterIface    = "org.bluez.Adapter1"
	bluezDeviceIface     = "org.bluez.Device1"
	bluezServiceIface    = "org.bluez.GattService1"
	bluezCharIface       = "org.bluez.GattCharacteristic1"
	dbusPropertiesIface  = "org.freedesktop.DBus.Properties"
	dbusObjectManager    = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	propertiesChangedSig = dbusPropertiesIface + ".PropertiesChanged"

	servicesResolvedPoll = 250 * time.Millisecond
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bluezHandle BlueZ 设备连接句柄
type bluezHandle struct {
	address    string
	devicePath dbus.ObjectPath

	mu       sync.Mutex
	charPath dbus.ObjectPath
}

func (h *bluezHandle) Address() string { return h.address }

// BlueZAdapter 基于 BlueZ D-Bus API 的传输实现
type BlueZAdapter struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	logger      *zap.Logger

	mu       sync.RWMutex
	handlers map[dbus.ObjectPath]func([]byte)
	signals  chan *dbus.Signal
	done     chan struct{}
}

// NewBlueZAdapter 连接系统总线并定位蓝牙控制器（如 hci0）
func NewBlueZAdapter(adapterName string, logger *zap.Logger) (*BlueZAdapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	a := &BlueZAdapter{
		conn:     conn,
		logger:   logger,
		handlers: make(map[dbus.ObjectPath]func([]byte)),
		signals:  make(chan *dbus.Signal, 64),
		done:     make(chan struct{}),
	}

	adapterPath, err := a.findAdapter(adapterName)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.adapterPath = adapterPath

	conn.Signal(a.signals)
	go a.dispatchSignals()

	logger.Info("BlueZ adapter ready", zap.String("adapter", string(adapterPath)))
	return a, nil
}

// Close 关闭 D-Bus 连接并停止信号分发
func (a *BlueZAdapter) Close() error {
	close(a.done)
	a.conn.RemoveSignal(a.signals)
	return a.conn.Close()
}

func (a *BlueZAdapter) getManagedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	if err := a.conn.Object(bluezBusName, "/").CallWithContext(ctx, dbusObjectManager, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}
	return objects, nil
}

func (a *BlueZAdapter) findAdapter(name string) (dbus.ObjectPath, error) {
	objects, err := a.getManagedObjects(context.Background())
	if err != nil {
		return "", err
	}

	for path, ifaces := range objects {
		if _, ok := ifaces[bluezAdapterIface]; !ok {
			continue
		}
		if name == "" || strings.HasSuffix(string(path), "/"+name) {
			return path, nil
		}
	}

	return "", fmt.Errorf("bluetooth adapter %q: %w", name, ErrNotFound)
}

// Scan 在 timeout 内执行发现，返回当前控制器下所有有名称的设备
func (a *BlueZAdapter) Scan(ctx context.Context, timeout time.Duration) ([]Advertisement, error) {
	adapter := a.conn.Object(bluezBusName, a.adapterPath)
	if err := adapter.CallWithContext(ctx, bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		// 发现可能已由其他进程启动，继续读取缓存的设备
		a.logger.Debug("StartDiscovery failed", zap.Error(err))
	}

	timer := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := adapter.CallWithContext(stopCtx, bluezAdapterIface+".StopDiscovery", 0).Err; err != nil {
		a.logger.Debug("StopDiscovery failed", zap.Error(err))
	}

	objects, err := a.getManagedObjects(stopCtx)
	if err != nil {
		return nil, err
	}

	var adverts []Advertisement
	for _, ifaces := range objects {
		props, ok := ifaces[bluezDeviceIface]
		if !ok {
			continue
		}
		if owner, ok := props["Adapter"].Value().(dbus.ObjectPath); !ok || owner != a.adapterPath {
			continue
		}
		address, _ := props["Address"].Value().(string)
		name, _ := props["Name"].Value().(string)
		if address == "" {
			continue
		}
		adverts = append(adverts, Advertisement{Name: name, Address: address})
	}

	return adverts, nil
}

func (a *BlueZAdapter) devicePath(address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", a.adapterPath, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

// Connect 调用 Device1.Connect 并等待 GATT 服务解析完成
func (a *BlueZAdapter) Connect(ctx context.Context, address string, timeout time.Duration) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := a.devicePath(address)
	device := a.conn.Object(bluezBusName, path)
	if err := device.CallWithContext(ctx, bluezDeviceIface+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	ticker := time.NewTicker(servicesResolvedPoll)
	defer ticker.Stop()
	for {
		resolved, err := device.GetProperty(bluezDeviceIface + ".ServicesResolved")
		if err == nil {
			if ok, _ := resolved.Value().(bool); ok {
				return &bluezHandle{address: address, devicePath: path}, nil
			}
		}

		select {
		case <-ctx.Done():
			_ = device.Call(bluezDeviceIface+".Disconnect", 0).Err
			return nil, fmt.Errorf("services not resolved on %s: %w", address, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *BlueZAdapter) findCharacteristic(ctx context.Context, devicePath dbus.ObjectPath, serviceID, characteristicID string) (dbus.ObjectPath, error) {
	objects, err := a.getManagedObjects(ctx)
	if err != nil {
		return "", err
	}

	var servicePath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[bluezServiceIface]
		if !ok {
			continue
		}
		owner, _ := props["Device"].Value().(dbus.ObjectPath)
		uuid, _ := props["UUID"].Value().(string)
		if owner == devicePath && strings.EqualFold(uuid, serviceID) {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return "", fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
	}

	for path, ifaces := range objects {
		props, ok := ifaces[bluezCharIface]
		if !ok {
			continue
		}
		owner, _ := props["Service"].Value().(dbus.ObjectPath)
		uuid, _ := props["UUID"].Value().(string)
		if owner == servicePath && strings.EqualFold(uuid, characteristicID) {
			return path, nil
		}
	}

	return "", fmt.Errorf("characteristic %s: %w", characteristicID, ErrNotFound)
}

// Subscribe 启用特征通知，并将 Value 变化路由到 onData
func (a *BlueZAdapter) Subscribe(ctx context.Context, h Handle, serviceID, characteristicID string, onData func([]byte)) error {
	bh, ok := h.(*bluezHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	charPath, err := a.findCharacteristic(ctx, bh.devicePath, serviceID, characteristicID)
	if err != nil {
		return err
	}

	if err := a.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(charPath),
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("failed to add match signal: %w", err)
	}

	a.mu.Lock()
	a.handlers[charPath] = onData
	a.mu.Unlock()

	if err := a.conn.Object(bluezBusName, charPath).CallWithContext(ctx, bluezCharIface+".StartNotify", 0).Err; err != nil {
		a.removeHandler(charPath)
		return fmt.Errorf("failed to start notify: %w", err)
	}

	bh.mu.Lock()
	bh.charPath = charPath
	bh.mu.Unlock()
	return nil
}

func (a *BlueZAdapter) removeHandler(charPath dbus.ObjectPath) {
	a.mu.Lock()
	delete(a.handlers, charPath)
	a.mu.Unlock()

	_ = a.conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(charPath),
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	)
}

func (a *BlueZAdapter) dispatchSignals() {
	for {
		select {
		case <-a.done:
			return
		case sig, ok := <-a.signals:
			if !ok {
				return
			}
			if sig.Name != propertiesChangedSig || len(sig.Body) < 2 {
				continue
			}
			if iface, _ := sig.Body[0].(string); iface != bluezCharIface {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			value, ok := changed["Value"]
			if !ok {
				continue
			}
			data, ok := value.Value().([]byte)
			if !ok {
				continue
			}

			a.mu.RLock()
			handler := a.handlers[sig.Path]
			a.mu.RUnlock()
			if handler != nil {
				handler(data)
			}
		}
	}
}

// IsConnected 读取 Device1.Connected 属性
func (a *BlueZAdapter) IsConnected(h Handle) bool {
	bh, ok := h.(*bluezHandle)
	if !ok {
		return false
	}
	v, err := a.conn.Object(bluezBusName, bh.devicePath).GetProperty(bluezDeviceIface + ".Connected")
	if err != nil {
		return false
	}
	connected, _ := v.Value().(bool)
	return connected
}

// Disconnect 停止通知并断开设备；链路已断开时返回 ErrLinkClosed
func (a *BlueZAdapter) Disconnect(ctx context.Context, h Handle) error {
	bh, ok := h.(*bluezHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	bh.mu.Lock()
	charPath := bh.charPath
	bh.charPath = ""
	bh.mu.Unlock()

	if charPath != "" {
		a.removeHandler(charPath)
		_ = a.conn.Object(bluezBusName, charPath).CallWithContext(ctx, bluezCharIface+".StopNotify", 0).Err
	}

	if !a.IsConnected(h) {
		return ErrLinkClosed
	}

	if err := a.conn.Object(bluezBusName, bh.devicePath).CallWithContext(ctx, bluezDeviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", bh.address, err)
	}
	return nil
}
