package protocol

import "fmt"

// DeviceType is the model byte at the start of every device code.
type DeviceType byte

var deviceTypeNames = map[DeviceType]string{
	0x40: "RolloTron Standard",
	0x41: "RolloTron Comfort Slave",
	0x42: "Rohrmotor-Aktor",
	0x43: "Universalaktor",
	0x46: "Steckdosenaktor",
	0x47: "Rohrmotor Steuerung",
	0x48: "Dimmaktor",
	0x49: "Rohrmotor",
	0x4A: "Dimmer (9476-1)",
	0x4B: "Connect-Aktor",
	0x4C: "Troll Basis",
	0x4E: "SX5",
	0x61: "RolloTron Comfort Master",
	0x62: "Super Fake Device",
	0x65: "Bewegungsmelder",
	0x69: "Umweltsensor",
	0x70: "Troll Comfort DuoFern",
	0x71: "Troll Comfort DuoFern (Lichtmodus)",
	0x73: "Raumthermostat",
	0x74: "Wandtaster 6fach 230V",
	0xA0: "Handsender (6 Gruppen-48 Geraete)",
	0xA1: "Handsender (1 Gruppe-48 Geraete)",
	0xA2: "Handsender (6 Gruppen-1 Geraet)",
	0xA3: "Handsender (1 Gruppe-1 Geraet)",
	0xA4: "Wandtaster",
	0xA5: "Sonnensensor",
	0xA7: "Funksender UP",
	0xA8: "HomeTimer",
	0xA9: "Sonnen-/Windsensor",
	0xAA: "Markisenwaechter",
	0xAB: "Rauchmelder",
	0xAC: "Fenster-Tuer-Kontakt",
	0xAD: "Wandtaster 6fach Bat",
	0xAF: "Sonnensensor",
	0xE0: "Handzentrale",
	0xE1: "Heizkoerperantrieb",
}

// Shutter and blind actuators.
var coverTypes = map[DeviceType]bool{
	0x40: true, 0x41: true, 0x42: true, 0x47: true, 0x49: true,
	0x4B: true, 0x4C: true, 0x4E: true, 0x61: true, 0x70: true,
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%02X)", byte(t))
}

// Known reports whether t is part of the DuoFern model enumeration.
func (t DeviceType) Known() bool {
	_, ok := deviceTypeNames[t]
	return ok
}

// IsCover reports whether t is a shutter/blind actuator that accepts cover commands.
func (t DeviceType) IsCover() bool {
	return coverTypes[t]
}
