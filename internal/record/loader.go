package record

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// recordsFile is the YAML shape of a seed file for local development
// deployments that run without the relational backend.
type recordsFile struct {
	VirtualMachines []struct {
		ID           string `yaml:"id"`
		Name         string `yaml:"name"`
		OwnerID      int    `yaml:"ownerId"`
		OwnerName    string `yaml:"ownerName"`
		CPUCores     int    `yaml:"cpuCores"`
		RAMBytes     int64  `yaml:"ramBytes"`
		DiskBytes    int64  `yaml:"diskBytes"`
		BandwidthMax int64  `yaml:"bandwidthMaxBytes"`
		PrimaryIPv4  string `yaml:"primaryIpv4"`
		PrimaryIPv6  string `yaml:"primaryIpv6"`
		Status       string `yaml:"installStatus"`
		ExpiresAt    string `yaml:"expiresAt"`
	} `yaml:"virtualMachines"`

	Templates []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		OSType   string `yaml:"osType"`
		ImageURL string `yaml:"imageUrl"`
	} `yaml:"templates"`

	SSHKeys []struct {
		ID        string `yaml:"id"`
		OwnerID   int    `yaml:"ownerId"`
		PublicKey string `yaml:"publicKey"`
	} `yaml:"sshKeys"`

	IPAssignments []struct {
		VMID      string `yaml:"vmId"`
		Addresses []struct {
			Address string `yaml:"address"`
			Subnet  string `yaml:"subnet"`
			Gateway string `yaml:"gateway"`
		} `yaml:"addresses"`
	} `yaml:"ipAssignments"`
}

// LoadFromFile loads a record seed file into an in-memory store.
func LoadFromFile(path string) (*MemStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return LoadFromYAML(data)
}

// LoadFromYAML loads record seed YAML into an in-memory store.
func LoadFromYAML(data []byte) (*MemStore, error) {
	var file recordsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	store := NewMemStore()

	for _, v := range file.VirtualMachines {
		if v.ID == "" {
			return nil, fmt.Errorf("virtual machine missing required field: id")
		}
		if v.OwnerName == "" {
			return nil, fmt.Errorf("virtual machine %s missing required field: ownerName", v.ID)
		}

		status := InstallStatus(v.Status)
		switch status {
		case StatusAwaitingConfig, StatusInstalling, StatusOK:
		case "":
			status = StatusAwaitingConfig
		default:
			return nil, fmt.Errorf("virtual machine %s: unsupported installStatus: %s", v.ID, v.Status)
		}

		var expiresAt time.Time
		if v.ExpiresAt != "" {
			var err error
			expiresAt, err = time.Parse(time.RFC3339, v.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("virtual machine %s: bad expiresAt: %w", v.ID, err)
			}
		}

		store.PutVM(VirtualMachine{
			ID:            v.ID,
			Name:          v.Name,
			OwnerID:       v.OwnerID,
			OwnerName:     v.OwnerName,
			CPUCores:      v.CPUCores,
			RAMBytes:      v.RAMBytes,
			DiskBytes:     v.DiskBytes,
			BandwidthMax:  v.BandwidthMax,
			PrimaryIPv4:   v.PrimaryIPv4,
			PrimaryIPv6:   v.PrimaryIPv6,
			InstallStatus: status,
			ExpiresAt:     expiresAt,
		})
	}

	for _, t := range file.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template missing required field: id")
		}
		osType := OSType(t.OSType)
		if osType != OSLinux && osType != OSWindows {
			return nil, fmt.Errorf("template %s: unsupported osType: %s", t.ID, t.OSType)
		}
		store.PutTemplate(Template{
			ID:       t.ID,
			Name:     t.Name,
			OSType:   osType,
			ImageURL: t.ImageURL,
		})
	}

	for _, k := range file.SSHKeys {
		if k.ID == "" {
			return nil, fmt.Errorf("ssh key missing required field: id")
		}
		store.PutSSHKey(SSHKey{ID: k.ID, OwnerID: k.OwnerID, PublicKey: k.PublicKey})
	}

	for _, a := range file.IPAssignments {
		if a.VMID == "" {
			return nil, fmt.Errorf("ip assignment missing required field: vmId")
		}
		ips := make([]IPAddress, 0, len(a.Addresses))
		for _, addr := range a.Addresses {
			ips = append(ips, IPAddress{
				Address: addr.Address,
				Subnet:  addr.Subnet,
				Gateway: addr.Gateway,
			})
		}
		store.PutAssignedIPs(a.VMID, ips)
	}

	return store, nil
}
